package server

import (
	"context"
	"iter"
	"slices"
	"sync/atomic"

	"github.com/aeolun/roomchat/pkg/database"
	"github.com/samber/lo"
)

// Batches is a one-shot sequence of history chunks. Ranging over All a
// second time yields nothing.
type Batches struct {
	messages  []*database.Message
	chunkSize int
	consumed  atomic.Bool
}

// Len is the total number of messages across all chunks
func (b *Batches) Len() int { return len(b.messages) }

// All yields consecutive chunks of at most chunkSize messages in chronological order
func (b *Batches) All() iter.Seq[[]*database.Message] {
	return func(yield func([]*database.Message) bool) {
		if !b.consumed.CompareAndSwap(false, true) {
			return
		}
		for chunk := range slices.Chunk(b.messages, b.chunkSize) {
			if !yield(chunk) {
				return
			}
		}
	}
}

// Replayer builds history replays over an identity's followed rooms
type Replayer struct {
	store   Store
	metrics *Metrics
}

func NewReplayer(store Store) *Replayer {
	return &Replayer{store: store}
}

// SetMetrics attaches metrics to the replayer
func (r *Replayer) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Missed returns every message strictly newer than lastSeen across the
// identity's followed and implicit rooms.
func (r *Replayer) Missed(ctx context.Context, ident *database.Identity, deviceID string, lastSeen int64, chunkSize int) (*Batches, error) {
	rooms := replayRooms(ident, deviceID)
	msgs, err := r.store.History(ctx, rooms, database.HistoryFilter{Since: &lastSeen})
	if err != nil {
		return nil, persistenceError("getHistory", ident.Name, err)
	}
	merged := mergeHistory(msgs)

	// Walk back from the newest entry and cut at the first one not newer than lastSeen
	cut := len(merged)
	for cut > 0 && merged[cut-1].Time > lastSeen {
		cut--
	}
	return r.batches(merged[cut:], chunkSize), nil
}

// Last returns the newest limit messages across the identity's followed and
// implicit rooms, counted over all rooms together.
func (r *Replayer) Last(ctx context.Context, ident *database.Identity, deviceID string, limit, chunkSize int) (*Batches, error) {
	rooms := replayRooms(ident, deviceID)
	// No room can contribute more than limit entries to the overall tail
	msgs, err := r.store.History(ctx, rooms, database.HistoryFilter{Limit: limit})
	if err != nil {
		return nil, persistenceError("getHistory", ident.Name, err)
	}
	merged := mergeHistory(msgs)
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return r.batches(merged, chunkSize), nil
}

func (r *Replayer) batches(msgs []*database.Message, chunkSize int) *Batches {
	if chunkSize < 1 {
		chunkSize = 1
	}
	r.metrics.RecordReplayed(len(msgs))
	return &Batches{messages: msgs, chunkSize: chunkSize}
}

// replayRooms is the followed set plus the implicit rooms, deduplicated and
// sorted. Rooms of other devices are left out.
func replayRooms(ident *database.Identity, deviceID string) []string {
	rooms := lo.Reject(ident.FollowedRooms, func(room string, _ int) bool {
		ref, err := ParseRoomName(room)
		return err == nil && ref.Kind == RoomDevice && ref.Key != deviceID
	})
	for _, ref := range ImplicitRooms(ident.Name, deviceID) {
		rooms = append(rooms, ref.Name())
	}
	rooms = lo.Uniq(rooms)
	slices.Sort(rooms)
	return rooms
}

// mergeHistory orders entries from several rooms by time. Equal times are
// broken by store sequence so the cut in Missed is deterministic.
func mergeHistory(msgs []*database.Message) []*database.Message {
	slices.SortStableFunc(msgs, (*database.Message).Compare)
	return msgs
}
