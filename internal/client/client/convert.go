package client

import (
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/gophvault/internal/client/models"
	pb "github.com/dmitrijs2005/gophvault/internal/proto"
)

func toSnapshot(r *pb.Record) (*models.Snapshot, error) {
	if r == nil {
		return nil, nil
	}
	s := &models.Snapshot{ID: r.ID, UpdatedAt: r.UpdatedAt.UTC(), Device: r.Device}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &s.Data); err != nil {
			return nil, fmt.Errorf("failed to decode record %s/%s: %w", r.Table, r.ID, err)
		}
	}
	return s, nil
}

var eventTypes = map[string]models.Operation{
	pb.EventInsert: models.OpInsert,
	pb.EventUpdate: models.OpUpdate,
	pb.EventDelete: models.OpDelete,
}

func toEvent(e *pb.ChangeEvent) (models.RemoteChangeEvent, error) {
	op, ok := eventTypes[e.Type]
	if !ok {
		return models.RemoteChangeEvent{}, fmt.Errorf("unknown event type %q", e.Type)
	}
	newSnap, err := toSnapshot(e.New)
	if err != nil {
		return models.RemoteChangeEvent{}, err
	}
	oldSnap, err := toSnapshot(e.Old)
	if err != nil {
		return models.RemoteChangeEvent{}, err
	}
	return models.RemoteChangeEvent{
		Table:     e.Table,
		Type:      op,
		New:       newSnap,
		Old:       oldSnap,
		UpdatedAt: e.UpdatedAt.UTC(),
		Device:    e.Device,
	}, nil
}
