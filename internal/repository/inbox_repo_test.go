package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"commandcenter/internal/model"
)

func TestBuildListQuery(t *testing.T) {
	query, args := buildListQuery(ListFilter{})
	assert.Equal(t, "SELECT "+inboxColumns+" FROM command_center_inbox ORDER BY date DESC", query)
	assert.Empty(t, args)

	query, args = buildListQuery(ListFilter{
		Type:     model.ItemTypeEmail,
		Statuses: []model.Status{model.StatusNone, model.StatusNeedActions},
		Limit:    50,
	})
	assert.Contains(t, query, "WHERE type = $1 AND (status IS NULL OR status = ANY($2))")
	assert.Contains(t, query, "ORDER BY date DESC LIMIT $3")
	assert.Equal(t, []any{"email", []string{"need_actions"}, 50}, args)
}

func TestBuildListQuery_OnlyNone(t *testing.T) {
	query, args := buildListQuery(ListFilter{Statuses: []model.Status{model.StatusNone}})
	assert.Contains(t, query, "WHERE (status IS NULL)")
	assert.Empty(t, args)
}
