package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"

	"github.com/aeolun/roomchat/pkg/database"
	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"
)

// handleFrame decodes a binary frame and handles its event
func (s *Server) handleFrame(sess *Session, frame *protocol.Frame) {
	ev, err := protocol.DecodeEvent(frame)
	if err != nil {
		s.rejectInvalid(sess, protocol.EventName(frame.Type), err)
		return
	}
	s.handleEvent(sess, ev)
}

// handleEvent validates, authorizes and runs one inbound event. Invalid
// payloads are rejected before the authorization gate is consulted.
func (s *Server) handleEvent(sess *Session, ev protocol.Event) {
	name := protocol.EventName(ev.EventType())
	s.metrics.RecordEvent(name)

	if err := s.checkLimits(ev); err != nil {
		s.rejectInvalid(sess, name, err)
		return
	}

	ctx := sess.Context()
	decision, err := s.gate.Authorize(ctx, sess.ID(), name)
	if err != nil {
		if errors.Is(err, ErrLookupFailed) {
			errorLog.Printf("Conn %s: authorize %s failed: %v", sess.ID(), name, err)
		} else {
			debugLog.Printf("Conn %s: authorize %s: %v", sess.ID(), name, err)
		}
	}
	if err != nil || !decision.Allowed {
		s.metrics.RecordDenial(KindAuthorizationDenied)
		debugLog.Printf("Conn %s: %s denied for %q", sess.ID(), name, decision.Identity.Name)
		s.send(sess, &protocol.CommandDenied{CommandName: name})
		return
	}

	if err := s.dispatchEvent(ctx, sess, decision, ev); err != nil {
		s.sendError(sess, name, err)
	}
}

func (s *Server) dispatchEvent(ctx context.Context, sess *Session, d Decision, ev protocol.Event) error {
	switch ev := ev.(type) {
	case *protocol.Register:
		return s.handleRegister(ctx, sess, ev)
	case *protocol.Login:
		return s.handleLogin(ctx, sess, ev)
	case *protocol.ReconnectAttach:
		return s.handleReconnectAttach(ctx, sess, ev)
	}

	// Everything else acts on behalf of an attached identity
	if d.Anonymous() {
		return fmt.Errorf("%w: login required", ErrAuthorizationDenied)
	}
	ident := d.Identity

	switch ev := ev.(type) {
	case *protocol.Logout:
		return s.handleLogout(ctx, sess)
	case *protocol.SendChatMessage:
		return s.handleRoomMessage(ctx, sess, ident, ev.RoomName, ev.Text, ClassPlain)
	case *protocol.SendMorse:
		return s.handleRoomMessage(ctx, sess, ident, ev.RoomName, ev.Text, ClassMorse)
	case *protocol.SendWhisper:
		return s.handleWhisper(ctx, sess, ident, ev)
	case *protocol.SendBroadcast:
		return s.handleSystemMessage(ctx, sess, ident, RoomRef{Kind: RoomBroadcast}, ev.Text, ClassBroadcast)
	case *protocol.SendImportant:
		return s.handleSystemMessage(ctx, sess, ident, RoomRef{Kind: RoomImportant}, ev.Text, ClassImportant)
	case *protocol.JoinRoom:
		return s.handleJoinRoom(ctx, sess, ident, ev)
	case *protocol.LeaveRoom:
		return s.handleLeaveRoom(ctx, sess, ident, ev)
	case *protocol.CreateRoom:
		return s.handleCreateRoom(ctx, sess, ident, ev)
	case *protocol.RemoveRoom:
		return s.handleRemoveRoom(ctx, sess, ident, ev)
	case *protocol.UpdateRoom:
		return s.handleUpdateRoom(ctx, sess, ident, ev)
	case *protocol.BanFromRoom:
		return s.rooms.BanFromRoom(ctx, ev.RoomName, strings.ToLower(ev.Name), ident)
	case *protocol.ListRooms:
		return s.handleListRooms(ctx, sess, ident)
	case *protocol.RequestHistory:
		return s.handleRequestHistory(ctx, sess, ident, ev)
	case *protocol.BanIdentity:
		return s.handleBanIdentity(ctx, ident, strings.ToLower(ev.Name), true)
	case *protocol.UnbanIdentity:
		return s.handleBanIdentity(ctx, ident, strings.ToLower(ev.Name), false)
	}
	return fmt.Errorf("%w: %s is not an inbound command", ErrValidationFailure, protocol.EventName(ev.EventType()))
}

// checkLimits enforces the configured message size limits
func (s *Server) checkLimits(ev protocol.Event) error {
	var text []string
	switch ev := ev.(type) {
	case *protocol.SendChatMessage:
		text = ev.Text
	case *protocol.SendMorse:
		text = ev.Text
	case *protocol.SendWhisper:
		text = ev.Text
	case *protocol.SendBroadcast:
		text = ev.Text
	case *protocol.SendImportant:
		text = ev.Text
	default:
		return nil
	}

	if len(text) > s.config.MaxMessageLines {
		return fmt.Errorf("%w: %d lines exceeds limit of %d", ErrValidationFailure, len(text), s.config.MaxMessageLines)
	}
	for i, line := range text {
		if len(line) > s.config.MaxLineLength {
			return fmt.Errorf("%w: line %d exceeds %d bytes", ErrValidationFailure, i+1, s.config.MaxLineLength)
		}
	}
	return nil
}

// send enqueues an event for a connection
func (s *Server) send(sess *Session, ev protocol.Event) {
	if err := sess.Conn.Send(ev); err != nil {
		debugLog.Printf("Conn %s: %s not delivered: %v", sess.ID(), protocol.EventName(ev.EventType()), err)
	}
}

// rejectInvalid answers a malformed request. Caller mistakes are only debug-logged.
func (s *Server) rejectInvalid(sess *Session, name string, err error) {
	debugLog.Printf("Conn %s: invalid %s: %v", sess.ID(), name, err)
	s.metrics.RecordDenial(KindValidationFailure)
	s.send(sess, &protocol.Error{Kind: KindValidationFailure, Detail: err.Error()})
}

// sendError reports a failed command to the caller. Store failures are
// logged with their operation and key and reported generically.
func (s *Server) sendError(sess *Session, op string, err error) {
	kind := KindOf(err)
	s.metrics.RecordDenial(kind)

	detail := err.Error()
	switch kind {
	case KindPersistenceFailure, KindInternal:
		errorLog.Printf("Conn %s: %s failed: %v", sess.ID(), op, err)
		detail = "internal error"
	default:
		debugLog.Printf("Conn %s: %s rejected: %v", sess.ID(), op, err)
	}
	s.send(sess, &protocol.Error{Kind: kind, Detail: detail})
}

var errInvalidCredentials = fmt.Errorf("%w: invalid credentials", ErrAuthorizationDenied)

func (s *Server) handleRegister(ctx context.Context, sess *Session, ev *protocol.Register) error {
	name := strings.ToLower(ev.Name)

	hash, err := bcrypt.GenerateFromPassword([]byte(ev.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	level := 1
	if slices.Contains(s.config.AdminUsers, name) {
		level = s.config.Access.AdminLevel
	}
	ident := &database.Identity{
		Name:            name,
		PasswordHash:    string(hash),
		AccessLevel:     level,
		VisibilityLevel: level,
	}
	if err := s.store.CreateIdentity(ctx, ident); err != nil {
		return persistenceError("createIdentity", name, err)
	}
	log.Printf("Conn %s: registered identity %s (level %d)", sess.ID(), name, level)

	return s.completeLogin(ctx, sess, ident, "")
}

func (s *Server) handleLogin(ctx context.Context, sess *Session, ev *protocol.Login) error {
	ident, err := s.lookupCredentials(ctx, strings.ToLower(ev.Name))
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(ident.PasswordHash), []byte(ev.Password)) != nil {
		return errInvalidCredentials
	}
	return s.completeLogin(ctx, sess, ident, "")
}

func (s *Server) handleReconnectAttach(ctx context.Context, sess *Session, ev *protocol.ReconnectAttach) error {
	name := strings.ToLower(ev.Name)
	if !s.registry.ValidToken(name, ev.Token) {
		return fmt.Errorf("%w: stale resume token", ErrAuthorizationDenied)
	}
	ident, err := s.lookupCredentials(ctx, name)
	if err != nil {
		return err
	}
	return s.completeLogin(ctx, sess, ident, ev.DeviceID)
}

// lookupCredentials hides whether an identity exists from the caller
func (s *Server) lookupCredentials(ctx context.Context, name string) (*database.Identity, error) {
	ident, err := s.store.GetIdentity(ctx, name)
	if errors.Is(err, database.ErrNotFound) {
		return nil, errInvalidCredentials
	}
	if err != nil {
		return nil, persistenceError("getIdentity", name, err)
	}
	return ident, nil
}

// completeLogin attaches the identity to the connection, joins its implicit
// and followed rooms, then replays what it missed since it was last seen. An
// eviction during attach counts as being seen.
func (s *Server) completeLogin(ctx context.Context, sess *Session, ident *database.Identity, deviceID string) error {
	if ident.Banned {
		return fmt.Errorf("%w: %s is banned", ErrAuthorizationDenied, ident.Name)
	}

	if current := sess.Identity(); current != "" && current != ident.Name {
		if err := s.registry.Detach(ctx, sess); err != nil {
			return err
		}
	}

	token, err := s.registry.Attach(ctx, sess, ident.Name, deviceID)
	if err != nil {
		return err
	}

	fresh, err := s.rooms.JoinAll(ctx, sess, ident, deviceID)
	if errors.Is(err, errSessionReplaced) {
		return fmt.Errorf("%w: %s logged in elsewhere", ErrAuthorizationDenied, ident.Name)
	}
	if err != nil {
		return err
	}

	s.send(sess, &protocol.LoggedIn{
		Name:        fresh.Name,
		AccessLevel: fresh.AccessLevel,
		ResumeToken: token,
	})
	log.Printf("Conn %s: %s attached via %s", sess.ID(), fresh.Name, sess.Transport)

	batches, err := s.replayer.Missed(ctx, fresh, deviceID, fresh.LastSeen, s.config.ReplayChunkSize)
	if err != nil {
		return err
	}
	s.sendBatches(sess, batches)
	return nil
}

// sendBatches delivers a replay chunk by chunk. The last chunk is marked
// final; an empty replay still sends one final, empty batch.
func (s *Server) sendBatches(sess *Session, batches *Batches) {
	if batches.Len() == 0 {
		s.send(sess, &protocol.HistoryBatch{Messages: []protocol.Message{}, Final: true})
		return
	}

	sent := 0
	for chunk := range batches.All() {
		sent += len(chunk)
		s.send(sess, &protocol.HistoryBatch{
			Messages: lo.Map(chunk, func(msg *database.Message, _ int) protocol.Message {
				return *MessageEvent(msg)
			}),
			Final: sent == batches.Len(),
		})
	}
}

func (s *Server) handleLogout(ctx context.Context, sess *Session) error {
	name := sess.Identity()
	if err := s.registry.Detach(ctx, sess); err != nil {
		return err
	}
	s.send(sess, &protocol.LoggedOut{})
	log.Printf("Conn %s: %s logged out", sess.ID(), name)
	return nil
}

func (s *Server) handleRoomMessage(ctx context.Context, sess *Session, ident *database.Identity, roomName string, text []string, class string) error {
	ref, err := ParseRoomName(roomName)
	if err != nil {
		return err
	}
	_, err = s.dispatcher.Publish(ctx, Outgoing{
		Sender: ident.Name,
		Target: ref,
		Text:   text,
		Class:  class,
	}, PublishOptions{From: sess, SelfEcho: true})
	return err
}

func (s *Server) handleWhisper(ctx context.Context, sess *Session, ident *database.Identity, ev *protocol.SendWhisper) error {
	recipient := strings.ToLower(ev.RecipientName)
	if _, err := s.store.GetIdentity(ctx, recipient); err != nil {
		return persistenceError("getIdentity", recipient, err)
	}

	mirror := WhisperRoom(ident.Name)
	_, err := s.dispatcher.Publish(ctx, Outgoing{
		Sender: ident.Name,
		Target: WhisperRoom(recipient),
		Text:   ev.Text,
		Class:  ClassWhisper,
	}, PublishOptions{From: sess, SelfEcho: true, AlsoMirrorTo: &mirror})
	return err
}

func (s *Server) handleSystemMessage(ctx context.Context, sess *Session, ident *database.Identity, target RoomRef, text []string, class string) error {
	_, err := s.dispatcher.Publish(ctx, Outgoing{
		Sender: ident.Name,
		Target: target,
		Text:   text,
		Class:  class,
	}, PublishOptions{From: sess, SelfEcho: true})
	return err
}

func (s *Server) handleJoinRoom(ctx context.Context, sess *Session, ident *database.Identity, ev *protocol.JoinRoom) error {
	room, err := s.rooms.Join(ctx, ident, ev.RoomName, ev.Password)
	if err != nil {
		return err
	}
	s.send(sess, &protocol.JoinConfirmed{Room: room.Name})
	return nil
}

func (s *Server) handleLeaveRoom(ctx context.Context, sess *Session, ident *database.Identity, ev *protocol.LeaveRoom) error {
	left, err := s.rooms.Leave(ctx, ident, ev.RoomName)
	if err != nil || !left {
		return err
	}
	s.send(sess, &protocol.LeaveConfirmed{Room: strings.ToLower(ev.RoomName)})
	return nil
}

func (s *Server) handleCreateRoom(ctx context.Context, sess *Session, ident *database.Identity, ev *protocol.CreateRoom) error {
	room, err := s.rooms.CreateRoom(ctx, NewRoom{
		Name:            ev.RoomName,
		Password:        ev.Password,
		AccessLevel:     ev.AccessLevel,
		VisibilityLevel: ev.VisibilityLevel,
	}, ident)
	if err != nil {
		return err
	}
	s.send(sess, &protocol.RoomCreated{Room: room.Name})

	// The creator follows its new room
	return s.handleJoinRoom(ctx, sess, ident, &protocol.JoinRoom{RoomName: room.Name, Password: ev.Password})
}

func (s *Server) handleRemoveRoom(ctx context.Context, sess *Session, ident *database.Identity, ev *protocol.RemoveRoom) error {
	name := strings.ToLower(ev.RoomName)
	subscribed := sess.IsSubscribed(name)
	if err := s.rooms.RemoveRoom(ctx, name, ident); err != nil {
		return err
	}
	// Subscribers were already told by the room manager
	if !subscribed {
		s.send(sess, &protocol.RoomRemoved{Room: name})
	}
	return nil
}

func (s *Server) handleUpdateRoom(ctx context.Context, sess *Session, ident *database.Identity, ev *protocol.UpdateRoom) error {
	room, err := s.rooms.UpdateRoom(ctx, ev.RoomName, ev.Update, ident)
	if err != nil {
		return err
	}
	s.send(sess, &protocol.RoomList{Rooms: []protocol.RoomInfo{roomInfo(room)}})
	return nil
}

func (s *Server) handleListRooms(ctx context.Context, sess *Session, ident *database.Identity) error {
	rooms, err := s.rooms.VisibleRooms(ctx, ident)
	if err != nil {
		return err
	}
	s.send(sess, &protocol.RoomList{Rooms: lo.Map(rooms, func(room *database.Room, _ int) protocol.RoomInfo {
		return roomInfo(room)
	})})
	return nil
}

func roomInfo(room *database.Room) protocol.RoomInfo {
	kind := RoomPublic
	if ref, err := ParseRoomName(room.Name); err == nil {
		kind = ref.Kind
	}
	return protocol.RoomInfo{
		Name:        room.Name,
		Kind:        kind.String(),
		AccessLevel: room.AccessLevel,
		HasPassword: room.PasswordHash != nil,
		Owner:       lo.FromPtr(room.Owner),
	}
}

func (s *Server) handleRequestHistory(ctx context.Context, sess *Session, ident *database.Identity, ev *protocol.RequestHistory) error {
	limit := s.config.DefaultHistoryLines
	if ev.LineLimit != nil {
		limit = min(*ev.LineLimit, s.config.MaxHistoryLines)
	}

	batches, err := s.replayer.Last(ctx, ident, sess.DeviceID(), limit, s.config.ReplayChunkSize)
	if err != nil {
		return err
	}
	s.sendBatches(sess, batches)
	return nil
}

// handleBanIdentity flips the banned flag. Banning a live identity logs it out.
func (s *Server) handleBanIdentity(ctx context.Context, requester *database.Identity, target string, banned bool) error {
	if banned && target == requester.Name {
		return fmt.Errorf("%w: cannot ban yourself", ErrValidationFailure)
	}
	if err := s.store.SetIdentityBanned(ctx, target, banned); err != nil {
		return persistenceError("setIdentityBanned", target, err)
	}
	if banned {
		s.registry.ForceLogout(ctx, target, "banned")
	}
	log.Printf("Identity %s banned=%t by %s", target, banned, requester.Name)
	return nil
}
