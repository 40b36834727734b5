package domain

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"

	board "prism-board/board-api/domain"
)

// Registry tracks the rooms of every board served by this instance. Boards are spread over
// shards by hash of their id, so a board's room always lives in exactly one shard.
type Registry struct {
	shards []*shard
	logger log.FieldLogger
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Session
}

// NewRegistry creates a registry with n shards.
func NewRegistry(n int, logger log.FieldLogger) *Registry {
	if n <= 0 {
		n = 1
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	r := &Registry{shards: make([]*shard, n), logger: logger}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[string]map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(boardID string) *shard {
	return r.shards[xxhash.Sum64String(boardID)%uint64(len(r.shards))]
}

// Join adds s to the board's room and returns the room's members, s included. Existing
// members are told with a presence-joined frame. Joining twice is a no-op.
func (r *Registry) Join(boardID string, s *Session) ([]Member, error) {
	sh := r.shardFor(boardID)
	sh.mu.Lock()
	room := sh.rooms[boardID]
	if _, already := room[s.Handle]; already {
		members := membersOf(room)
		sh.mu.Unlock()
		return members, nil
	}
	if err := s.markJoined(boardID); err != nil {
		sh.mu.Unlock()
		return nil, err
	}
	if room == nil {
		room = make(map[string]*Session)
		sh.rooms[boardID] = room
	}
	others := sessionsOf(room, "")
	room[s.Handle] = s
	members := membersOf(room)
	sh.mu.Unlock()

	me := s.member()
	r.broadcast(boardID, others, Frame{Type: EventPresenceJoined, BoardID: boardID, Handle: me.Handle, UserID: me.UserID})
	r.logger.WithFields(log.Fields{"board": boardID, "handle": s.Handle, "members": len(members)}).Debug("session joined")
	return members, nil
}

// Leave removes s from the board's room and tells the rest with a presence-left frame.
// Empty rooms are discarded.
func (r *Registry) Leave(boardID string, s *Session) error {
	sh := r.shardFor(boardID)
	sh.mu.Lock()
	if err := s.markLeft(boardID); err != nil {
		sh.mu.Unlock()
		return err
	}
	remaining := r.removeLocked(sh, boardID, s.Handle)
	sh.mu.Unlock()

	r.broadcast(boardID, remaining, r.leftFrame(boardID, s))
	return nil
}

// Disconnect closes s and removes it from every room it joined. Calling it again is a no-op.
func (r *Registry) Disconnect(s *Session) {
	boards, ok := s.close()
	if !ok {
		return
	}
	for _, boardID := range boards {
		sh := r.shardFor(boardID)
		sh.mu.Lock()
		remaining := r.removeLocked(sh, boardID, s.Handle)
		sh.mu.Unlock()
		r.broadcast(boardID, remaining, r.leftFrame(boardID, s))
	}
	r.logger.WithFields(log.Fields{"handle": s.Handle, "boards": len(boards)}).Debug("session disconnected")
}

// Publish delivers a committed result to every member of its board except the session
// whose handle is exclude. It returns the number of sessions the frame was queued for.
func (r *Registry) Publish(boardID string, res board.ReorderResult, exclude string) int {
	sh := r.shardFor(boardID)
	sh.mu.RLock()
	targets := sessionsOf(sh.rooms[boardID], exclude)
	sh.mu.RUnlock()
	if len(targets) == 0 {
		return 0
	}
	frame := ReorderFrame(res)
	frame.BoardID = boardID
	return r.broadcast(boardID, targets, frame)
}

// PublishUpdate routes a bus envelope to its board.
func (r *Registry) PublishUpdate(upd board.BoardUpdate) int {
	boardID := upd.BoardID
	if boardID == "" {
		boardID = upd.Result.BoardID
	}
	return r.Publish(boardID, upd.Result, upd.Origin)
}

// Members returns the sessions in the board's room ordered by handle.
func (r *Registry) Members(boardID string) []Member {
	sh := r.shardFor(boardID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return membersOf(sh.rooms[boardID])
}

// Rooms counts the non-empty rooms across all shards.
func (r *Registry) Rooms() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.rooms)
		sh.mu.RUnlock()
	}
	return n
}

func (r *Registry) removeLocked(sh *shard, boardID, handle string) []*Session {
	room := sh.rooms[boardID]
	delete(room, handle)
	if len(room) == 0 {
		delete(sh.rooms, boardID)
		return nil
	}
	return sessionsOf(room, "")
}

func (r *Registry) leftFrame(boardID string, s *Session) Frame {
	me := s.member()
	return Frame{Type: EventPresenceLeft, BoardID: boardID, Handle: me.Handle, UserID: me.UserID}
}

// broadcast queues frame for each target. Sessions whose buffer is full are dropped after
// the loop so a slow reader never holds up the room.
func (r *Registry) broadcast(boardID string, targets []*Session, frame Frame) int {
	if len(targets) == 0 {
		return 0
	}
	payload, err := frame.Encode()
	if err != nil {
		r.logger.WithError(err).WithField("board", boardID).Error("encode frame failed")
		return 0
	}
	delivered := 0
	var dropped []*Session
	for _, s := range targets {
		if s.Enqueue(payload) {
			delivered++
			continue
		}
		if s.State() != StateDisconnected {
			dropped = append(dropped, s)
		}
	}
	for _, s := range dropped {
		r.logger.WithFields(log.Fields{"board": boardID, "handle": s.Handle, "type": frame.Type}).Warn("send buffer full; dropping session")
		r.Disconnect(s)
	}
	return delivered
}

func sessionsOf(room map[string]*Session, exclude string) []*Session {
	out := make([]*Session, 0, len(room))
	for handle, s := range room {
		if handle == exclude {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

func membersOf(room map[string]*Session) []Member {
	out := make([]Member, 0, len(room))
	for _, s := range sessionsOf(room, "") {
		out = append(out, s.member())
	}
	return out
}
