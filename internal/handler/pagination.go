package handler

import (
	"net/http"
	"strconv"

	apperrors "github.com/schoolkiosk/kiosk-relay-go/internal/errors"
	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
	"github.com/schoolkiosk/kiosk-relay-go/internal/util"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ParseListSessions reads ?role=&state=&limit=&offset=. Out-of-range paging falls back
// to defaults; an unknown role or state is rejected.
func ParseListSessions(r *http.Request) (model.ListSessionsParams, error) {
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > MaxLimit {
		limit = DefaultLimit
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	role := model.SessionRole(q.Get("role"))
	if !util.IsValidEnum(role, model.RoleOutput, model.RoleControl) {
		return model.ListSessionsParams{}, apperrors.InvalidInput("role", "must be output or control")
	}
	state := model.SessionState(q.Get("state"))
	if !util.IsValidEnum(state, model.StateWaiting, model.StateConnected, model.StateExpired) {
		return model.ListSessionsParams{}, apperrors.InvalidInput("state", "must be waiting, connected or expired")
	}

	return model.ListSessionsParams{
		Role:   role,
		State:  state,
		Limit:  limit,
		Offset: offset,
	}, nil
}
