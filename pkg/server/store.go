package server

import (
	"context"

	"github.com/aeolun/roomchat/pkg/database"
)

// Store is the persistence the chat core runs on. *database.MemDB and
// *database.DB both satisfy it.
type Store interface {
	CreateIdentity(ctx context.Context, ident *database.Identity) error
	GetIdentity(ctx context.Context, name string) (*database.Identity, error)
	SetIdentityOnline(ctx context.Context, name string, online bool) error
	SetIdentityLastSeen(ctx context.Context, name string, lastSeen int64) error
	SetIdentityBanned(ctx context.Context, name string, banned bool) error
	SetIdentityDevice(ctx context.Context, name string, deviceID *string) error
	AddFollowedRoom(ctx context.Context, name, room string) error
	RemoveFollowedRoom(ctx context.Context, name, room string) error

	SeedCommand(ctx context.Context, cmd *database.Command) error
	GetCommand(ctx context.Context, name string) (*database.Command, error)
	ListCommands(ctx context.Context) ([]*database.Command, error)

	CreateRoom(ctx context.Context, room *database.Room) error
	GetRoom(ctx context.Context, name string) (*database.Room, error)
	ListRooms(ctx context.Context) ([]*database.Room, error)
	RoomsOwnedBy(ctx context.Context, owner string) ([]string, error)
	UpdateRoom(ctx context.Context, room *database.Room) error
	AddRoomBan(ctx context.Context, room, name string) error
	DeleteRoom(ctx context.Context, name string) error

	AppendHistory(ctx context.Context, msg *database.Message) error
	History(ctx context.Context, rooms []string, filter database.HistoryFilter) ([]*database.Message, error)
	DeleteHistory(ctx context.Context, room string) error
}
