package grpc

import (
	"errors"
	"time"

	pb "github.com/dmitrijs2005/gophvault/internal/proto"
	"github.com/dmitrijs2005/gophvault/internal/server/broker"
	"github.com/dmitrijs2005/gophvault/internal/server/models"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type recordRef struct{ table, id string }

func eventRef(e models.ChangeEvent) recordRef {
	r := e.New
	if r == nil {
		r = e.Old
	}
	if r == nil {
		return recordRef{table: e.Table}
	}
	return recordRef{table: e.Table, id: r.ID}
}

// Subscribe streams the caller's change events. The broker subscription is
// opened before the replay query so that no commit falls between the two;
// live events already covered by the replay are skipped.
func (s *GRPCServer) Subscribe(req *pb.SubscribeRequest, stream pb.VaultService_SubscribeServer) error {
	ctx := stream.Context()
	userID, err := userIDFrom(ctx)
	if err != nil {
		return err
	}
	for _, t := range req.Tables {
		if !models.ValidTable(t) {
			return status.Errorf(codes.InvalidArgument, "unknown table %q", t)
		}
	}

	sub, err := s.changes.Subscribe(userID, req.Tables)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer sub.Close()

	replay, err := s.records.Changes(ctx, userID, req.Tables, req.Since)
	if err != nil {
		return s.toStatus(ctx, err)
	}

	replayed := make(map[recordRef]time.Time, len(replay))
	for _, e := range replay {
		replayed[eventRef(e)] = e.UpdatedAt
		if err := stream.Send(toPBEvent(e)); err != nil {
			return err
		}
	}
	s.logger.Debug(ctx, "change stream open", "user", userID, "replayed", len(replay))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			if errors.Is(sub.Err(), broker.ErrSlowSubscriber) {
				return status.Error(codes.ResourceExhausted, sub.Err().Error())
			}
			return status.Error(codes.Unavailable, "change stream closed")
		case e := <-sub.Events():
			if at, ok := replayed[eventRef(e)]; ok && !e.UpdatedAt.After(at) {
				continue
			}
			if err := stream.Send(toPBEvent(e)); err != nil {
				return err
			}
		}
	}
}
