package usecase

import (
	"context"
	"fmt"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

// ReplayState is the value of one object reconstructed from its history.
type ReplayState struct {
	Exists bool
	Values map[string]*string
}

// ReplayFields folds a history (newest first, as returned by History) from
// oldest to newest. Committed inserts and updates and approved resolutions
// are applied; pending proposals and rejections are skipped.
func ReplayFields(history []domain.ChangeRecord) ReplayState {
	st := ReplayState{Values: make(map[string]*string)}
	for i := len(history) - 1; i >= 0; i-- {
		c := history[i]
		switch {
		case c.AwaitsModeration(), c.Action == domain.ActionPendingReject:
			continue
		case c.Field == domain.FieldID:
			switch c.Action {
			case domain.ActionInsert:
				st.Exists = true
			case domain.ActionDelete:
				st.Exists = false
				st.Values = make(map[string]*string)
			case domain.ActionPendingApprove:
				if c.Current != nil {
					st.Exists = true
				} else {
					st.Exists = false
					st.Values = make(map[string]*string)
				}
			}
		default:
			if c.Current == nil {
				delete(st.Values, c.Field)
				continue
			}
			v := *c.Current
			st.Values[c.Field] = &v
		}
	}
	return st
}

// ReplayObject loads the history of one object and replays it.
func ReplayObject(ctx context.Context, changelog *ChangeLogService, instanceID int64, model domain.ModelKind, modelID int64) (ReplayState, error) {
	history, err := changelog.History(ctx, instanceID, model, modelID)
	if err != nil {
		return ReplayState{}, fmt.Errorf("load history: %w", err)
	}
	return ReplayFields(history), nil
}
