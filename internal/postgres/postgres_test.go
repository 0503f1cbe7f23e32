package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banking/txmonitor/internal/cases"
	"github.com/banking/txmonitor/internal/domain"
)

func TestListQuery(t *testing.T) {
	tests := []struct {
		name   string
		filter cases.Filter
		where  string
		tail   string
		args   []any
	}{
		{
			name:   "NoFilter",
			filter: cases.Filter{},
			tail:   " ORDER BY opened_at DESC",
		},
		{
			name:   "EntityAndStatus",
			filter: cases.Filter{EntityID: "E1", Status: domain.CaseStatusOpen},
			where:  " WHERE entity_id = $1 AND status = $2",
			tail:   " ORDER BY opened_at DESC",
			args:   []any{"E1", "OPEN"},
		},
		{
			name:   "Paged",
			filter: cases.Filter{Status: domain.CaseStatusClosed, Limit: 20, Offset: 40},
			where:  " WHERE status = $1",
			tail:   " ORDER BY opened_at DESC LIMIT $2 OFFSET $3",
			args:   []any{"CLOSED", 20, 40},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := listQuery(tt.filter)
			assert.Equal(t, `SELECT `+caseColumns+` FROM cases`+tt.where+tt.tail, query)
			assert.Equal(t, tt.args, args)
		})
	}
}
