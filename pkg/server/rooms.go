package server

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aeolun/roomchat/pkg/database"
	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"
)

// AccessConfig holds the access level thresholds used by room rules
type AccessConfig struct {
	// Below TrustedLevel an identity may own at most one room
	TrustedLevel int
	// AdminLevel may remove, update and moderate any room
	AdminLevel int
}

// NewRoom describes a room to create
type NewRoom struct {
	Name            string
	Password        *string
	AccessLevel     int
	VisibilityLevel int
}

// RoomManager owns room membership: the persisted followed sets and the live
// fan-out subscriptions. Mutations of one room are serialized by the room
// lock; mutations of one identity by the registry's identity lock, which is
// always taken first.
type RoomManager struct {
	store    Store
	registry *Registry
	subs     *subscriptionIndex
	locks    *keyedMutex // per room
	access   AccessConfig
}

func NewRoomManager(store Store, registry *Registry, subs *subscriptionIndex, access AccessConfig) *RoomManager {
	return &RoomManager{
		store:    store,
		registry: registry,
		subs:     subs,
		locks:    newKeyedMutex(),
		access:   access,
	}
}

// LockRooms serializes work on the given rooms
func (m *RoomManager) LockRooms(names ...string) func() {
	return m.locks.LockAll(names...)
}

func (m *RoomManager) isAdmin(ident *database.Identity) bool {
	return ident.AccessLevel >= m.access.AdminLevel
}

func (m *RoomManager) canModerate(ident *database.Identity, room *database.Room) bool {
	if m.isAdmin(ident) {
		return true
	}
	return room.Owner != nil && *room.Owner == ident.Name
}

func accessDenied(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrAuthorizationDenied, ErrRoomAccessDenied, fmt.Sprintf(format, args...))
}

// Join adds a room to the identity's followed set and subscribes its live
// connection. Joining a followed room succeeds without changes.
func (m *RoomManager) Join(ctx context.Context, ident *database.Identity, roomName string, password *string) (*database.Room, error) {
	ref, err := ParseRoomName(roomName)
	if err != nil {
		return nil, err
	}
	switch ref.Kind {
	case RoomWhisper:
		if !ref.OwnedBy(ident.Name) {
			return nil, accessDenied("whisper room of %s", ref.Key)
		}
	case RoomDevice:
		if ident.DeviceID == nil || *ident.DeviceID != ref.Key {
			return nil, accessDenied("device room %s", ref.Key)
		}
	}

	unlockIdentity := m.registry.LockIdentity(ident.Name)
	defer unlockIdentity()
	unlockRoom := m.locks.Lock(ref.Name())
	defer unlockRoom()

	room, err := m.store.GetRoom(ctx, ref.Name())
	if err != nil {
		return nil, persistenceError("getRoom", ref.Name(), err)
	}
	if err := checkRoomAccess(ident, room, password); err != nil {
		return nil, err
	}
	if err := m.followLocked(ctx, ident.Name, room.Name); err != nil {
		return nil, err
	}
	return room, nil
}

func checkRoomAccess(ident *database.Identity, room *database.Room, password *string) error {
	if room.IsBanned(ident.Name) {
		return accessDenied("banned from %s", room.Name)
	}
	if ident.AccessLevel < room.AccessLevel {
		return accessDenied("%s requires level %d", room.Name, room.AccessLevel)
	}
	if room.PasswordHash != nil {
		if password == nil {
			return accessDenied("%s requires a password", room.Name)
		}
		if bcrypt.CompareHashAndPassword([]byte(*room.PasswordHash), []byte(*password)) != nil {
			return accessDenied("wrong password for %s", room.Name)
		}
	}
	return nil
}

// followLocked persists the follow and subscribes the live connection.
// Both the identity and the room lock must be held.
func (m *RoomManager) followLocked(ctx context.Context, name, room string) error {
	if err := m.store.AddFollowedRoom(ctx, name, room); err != nil {
		return persistenceError("addFollowedRoom", name+"/"+room, err)
	}
	if sess, ok := m.registry.SessionFor(name); ok {
		m.subs.Subscribe(sess, room)
	}
	return nil
}

// Leave removes a room from the followed set and unsubscribes the live
// connection. Leaving one's own whisper room is refused without error; left
// reports whether anything changed.
func (m *RoomManager) Leave(ctx context.Context, ident *database.Identity, roomName string) (left bool, err error) {
	ref, err := ParseRoomName(roomName)
	if err != nil {
		return false, err
	}
	if ref.OwnedBy(ident.Name) {
		return false, nil
	}

	unlockIdentity := m.registry.LockIdentity(ident.Name)
	defer unlockIdentity()
	unlockRoom := m.locks.Lock(ref.Name())
	defer unlockRoom()

	if err := m.store.RemoveFollowedRoom(ctx, ident.Name, ref.Name()); err != nil {
		return false, persistenceError("removeFollowedRoom", ident.Name+"/"+ref.Name(), err)
	}
	if sess, ok := m.registry.SessionFor(ident.Name); ok {
		m.subs.Unsubscribe(sess, ref.Name())
	}
	return true, nil
}

// CreateRoom creates a public room together with its empty history log.
// Below the trusted level an identity may own only one room. creator is nil
// for rooms seeded by the server.
func (m *RoomManager) CreateRoom(ctx context.Context, req NewRoom, creator *database.Identity) (*database.Room, error) {
	ref, err := ParseRoomName(req.Name)
	if err != nil {
		return nil, err
	}

	if creator != nil {
		unlockIdentity := m.registry.LockIdentity(creator.Name)
		defer unlockIdentity()
	}
	unlockRoom := m.locks.Lock(ref.Name())
	defer unlockRoom()

	_, err = m.store.GetRoom(ctx, ref.Name())
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: room %s", ErrAlreadyExists, ref.Name())
	case !errors.Is(err, database.ErrNotFound):
		return nil, persistenceError("getRoom", ref.Name(), err)
	}
	if ref.Kind != RoomPublic {
		return nil, fmt.Errorf("%w: %s is a reserved %s room", ErrRoomAccessDenied, ref.Name(), ref.Kind)
	}

	room := &database.Room{
		Name:            ref.Name(),
		AccessLevel:     req.AccessLevel,
		VisibilityLevel: req.VisibilityLevel,
	}

	if creator != nil {
		if creator.AccessLevel < m.access.TrustedLevel {
			owned, err := m.store.RoomsOwnedBy(ctx, creator.Name)
			if err != nil {
				return nil, persistenceError("roomsOwnedBy", creator.Name, err)
			}
			// Whisper rooms are owned too but do not count
			if other, found := lo.Find(owned, func(name string) bool {
				owned, err := ParseRoomName(name)
				return err == nil && owned.Kind == RoomPublic && name != room.Name
			}); found {
				return nil, fmt.Errorf("%w: %s already owns %s", ErrAlreadyExists, creator.Name, other)
			}
		}
		room.Owner = &creator.Name
	}

	if req.Password != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*req.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash room password: %w", err)
		}
		h := string(hash)
		room.PasswordHash = &h
	}

	if err := m.store.CreateRoom(ctx, room); err != nil {
		return nil, persistenceError("createRoom", room.Name, err)
	}
	log.Printf("Room %s created (owner %s)", room.Name, lo.FromPtrOr(room.Owner, "server"))
	return room, nil
}

// RemoveRoom deletes a public room and its history, drops it from every
// follower and unsubscribes all live connections. Only the owner or an
// administrator may remove a room.
func (m *RoomManager) RemoveRoom(ctx context.Context, roomName string, requester *database.Identity) error {
	ref, err := ParseRoomName(roomName)
	if err != nil {
		return err
	}
	if ref.Kind != RoomPublic {
		return accessDenied("%s room %s cannot be removed", ref.Kind, ref.Name())
	}

	unlockRoom := m.locks.Lock(ref.Name())
	defer unlockRoom()

	room, err := m.store.GetRoom(ctx, ref.Name())
	if err != nil {
		return persistenceError("getRoom", ref.Name(), err)
	}
	if !m.canModerate(requester, room) {
		return accessDenied("%s may not remove %s", requester.Name, room.Name)
	}
	// History goes first: a failure here leaves the room and its log intact
	if err := m.store.DeleteHistory(ctx, room.Name); err != nil {
		return persistenceError("deleteHistory", room.Name, err)
	}
	if err := m.store.DeleteRoom(ctx, room.Name); err != nil {
		return persistenceError("deleteRoom", room.Name, err)
	}

	for _, sess := range m.subs.DropRoom(room.Name) {
		if err := sess.Conn.Send(&protocol.RoomRemoved{Room: room.Name}); err != nil {
			debugLog.Printf("Conn %s: roomRemoved not delivered: %v", sess.ID(), err)
		}
	}
	log.Printf("Room %s removed by %s", room.Name, requester.Name)
	return nil
}

// UpdateRoom applies a single property change to a public room
func (m *RoomManager) UpdateRoom(ctx context.Context, roomName string, update protocol.RoomUpdate, requester *database.Identity) (*database.Room, error) {
	ref, err := ParseRoomName(roomName)
	if err != nil {
		return nil, err
	}
	if ref.Kind != RoomPublic && !m.isAdmin(requester) {
		return nil, accessDenied("%s room %s cannot be changed", ref.Kind, ref.Name())
	}

	unlockRoom := m.locks.Lock(ref.Name())
	defer unlockRoom()

	room, err := m.store.GetRoom(ctx, ref.Name())
	if err != nil {
		return nil, persistenceError("getRoom", ref.Name(), err)
	}
	if !m.canModerate(requester, room) {
		return nil, accessDenied("%s may not change %s", requester.Name, room.Name)
	}

	switch u := update.(type) {
	case *protocol.AccessLevelUpdate:
		room.AccessLevel = u.AccessLevel
	case *protocol.VisibilityUpdate:
		room.VisibilityLevel = u.VisibilityLevel
	case *protocol.PasswordUpdate:
		if u.Password == nil {
			room.PasswordHash = nil
			break
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*u.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash room password: %w", err)
		}
		h := string(hash)
		room.PasswordHash = &h
	default:
		return nil, fmt.Errorf("%w: unsupported room update %T", ErrValidationFailure, update)
	}

	if err := m.store.UpdateRoom(ctx, room); err != nil {
		return nil, persistenceError("updateRoom", room.Name, err)
	}
	return room, nil
}

// BanFromRoom bans an identity from a public room, removes the room from its
// followed set and unsubscribes its live connection.
func (m *RoomManager) BanFromRoom(ctx context.Context, roomName, target string, requester *database.Identity) error {
	ref, err := ParseRoomName(roomName)
	if err != nil {
		return err
	}
	if ref.Kind != RoomPublic {
		return accessDenied("cannot ban from %s room %s", ref.Kind, ref.Name())
	}

	unlockIdentity := m.registry.LockIdentity(target)
	defer unlockIdentity()
	unlockRoom := m.locks.Lock(ref.Name())
	defer unlockRoom()

	room, err := m.store.GetRoom(ctx, ref.Name())
	if err != nil {
		return persistenceError("getRoom", ref.Name(), err)
	}
	if !m.canModerate(requester, room) {
		return accessDenied("%s may not ban from %s", requester.Name, room.Name)
	}
	if _, err := m.store.GetIdentity(ctx, target); err != nil {
		return persistenceError("getIdentity", target, err)
	}

	if err := m.store.AddRoomBan(ctx, room.Name, target); err != nil {
		return persistenceError("addRoomBan", room.Name+"/"+target, err)
	}
	if err := m.store.RemoveFollowedRoom(ctx, target, room.Name); err != nil {
		return persistenceError("removeFollowedRoom", target+"/"+room.Name, err)
	}
	if sess, ok := m.registry.SessionFor(target); ok && sess.IsSubscribed(room.Name) {
		m.subs.Unsubscribe(sess, room.Name)
		if err := sess.Conn.Send(&protocol.LeaveConfirmed{Room: room.Name}); err != nil {
			debugLog.Printf("Conn %s: leaveConfirmed not delivered: %v", sess.ID(), err)
		}
	}
	log.Printf("Identity %s banned from %s by %s", target, room.Name, requester.Name)
	return nil
}

// ImplicitRooms returns the rooms every identity follows: its whisper room,
// the important and broadcast rooms and, if given, its device room.
func ImplicitRooms(identity, deviceID string) []RoomRef {
	refs := []RoomRef{WhisperRoom(identity), {Kind: RoomImportant}, {Kind: RoomBroadcast}}
	if deviceID != "" {
		refs = append(refs, DeviceRoom(deviceID))
	}
	return refs
}

// JoinAll runs right after an attach. It makes sure the identity's implicit
// rooms exist and are followed, then subscribes sess to every followed room.
// The identity lock is held throughout, so a newer attach either happens
// before (and JoinAll fails with errSessionReplaced) or evicts a session
// that is already fully subscribed.
func (m *RoomManager) JoinAll(ctx context.Context, sess *Session, ident *database.Identity, deviceID string) (*database.Identity, error) {
	unlockIdentity := m.registry.LockIdentity(ident.Name)
	defer unlockIdentity()

	if current, ok := m.registry.SessionFor(ident.Name); !ok || current != sess {
		return nil, errSessionReplaced
	}
	for _, ref := range ImplicitRooms(ident.Name, deviceID) {
		if err := m.attachImplicit(ctx, ident, ref); err != nil {
			return nil, err
		}
	}

	fresh, err := m.store.GetIdentity(ctx, ident.Name)
	if err != nil {
		return nil, persistenceError("getIdentity", ident.Name, err)
	}
	if err := m.subscribeFollowedLocked(ctx, sess, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (m *RoomManager) attachImplicit(ctx context.Context, ident *database.Identity, ref RoomRef) error {
	unlockRoom := m.locks.Lock(ref.Name())
	defer unlockRoom()

	if _, err := m.ensureRoomLocked(ctx, ref); err != nil {
		return err
	}
	if ident.Follows(ref.Name()) {
		return nil
	}
	if err := m.store.AddFollowedRoom(ctx, ident.Name, ref.Name()); err != nil {
		return persistenceError("addFollowedRoom", ident.Name+"/"+ref.Name(), err)
	}
	return nil
}

// EnsureRoom returns a whisper, device or system room, creating it if missing
func (m *RoomManager) EnsureRoom(ctx context.Context, ref RoomRef) (*database.Room, error) {
	unlockRoom := m.locks.Lock(ref.Name())
	defer unlockRoom()
	return m.ensureRoomLocked(ctx, ref)
}

func (m *RoomManager) ensureRoomLocked(ctx context.Context, ref RoomRef) (*database.Room, error) {
	room, err := m.store.GetRoom(ctx, ref.Name())
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, persistenceError("getRoom", ref.Name(), err)
	}
	if ref.Kind == RoomPublic {
		return nil, persistenceError("getRoom", ref.Name(), err)
	}

	room = &database.Room{Name: ref.Name()}
	switch ref.Kind {
	case RoomWhisper:
		owner := ref.Key
		room.Owner = &owner
		room.VisibilityLevel = m.access.AdminLevel
	case RoomDevice:
		room.VisibilityLevel = m.access.AdminLevel
	case RoomAdmin:
		room.AccessLevel = m.access.AdminLevel
		room.VisibilityLevel = m.access.AdminLevel
	}
	if err := m.store.CreateRoom(ctx, room); err != nil {
		return nil, persistenceError("createRoom", room.Name, err)
	}
	debugLog.Printf("Room %s created on first use", room.Name)
	return room, nil
}

// subscribeFollowedLocked subscribes sess to the rooms ident follows. Device
// rooms are only live on their own device. Each room is re-checked under its
// lock, since removeRoom does not take identity locks. The identity lock
// must be held.
func (m *RoomManager) subscribeFollowedLocked(ctx context.Context, sess *Session, ident *database.Identity) error {
	for _, name := range ident.FollowedRooms {
		if ref, err := ParseRoomName(name); err == nil && ref.Kind == RoomDevice && ref.Key != sess.DeviceID() {
			continue
		}
		if err := m.subscribeIfPresent(ctx, sess, ident.Name, name); err != nil {
			return err
		}
	}
	return nil
}

func (m *RoomManager) subscribeIfPresent(ctx context.Context, sess *Session, identity, name string) error {
	unlockRoom := m.locks.Lock(name)
	defer unlockRoom()

	room, err := m.store.GetRoom(ctx, name)
	if errors.Is(err, database.ErrNotFound) {
		debugLog.Printf("Conn %s: followed room %s is gone", sess.ID(), name)
		return nil
	}
	if err != nil {
		return persistenceError("getRoom", name, err)
	}
	if room.IsBanned(identity) {
		return nil
	}
	m.subs.Subscribe(sess, name)
	return nil
}

// VisibleRooms lists the rooms the identity may see: rooms at or below its
// visibility level, minus other identities' whisper and device rooms.
func (m *RoomManager) VisibleRooms(ctx context.Context, ident *database.Identity) ([]*database.Room, error) {
	rooms, err := m.store.ListRooms(ctx)
	if err != nil {
		return nil, persistenceError("listRooms", "*", err)
	}
	return lo.Filter(rooms, func(room *database.Room, _ int) bool {
		ref, err := ParseRoomName(room.Name)
		if err != nil {
			return false
		}
		switch ref.Kind {
		case RoomWhisper:
			return ref.OwnedBy(ident.Name)
		case RoomDevice:
			return ident.DeviceID != nil && *ident.DeviceID == ref.Key
		}
		return room.VisibilityLevel <= ident.VisibilityLevel
	}), nil
}
