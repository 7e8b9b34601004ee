// Command roomchat-cli is a line-oriented RoomChat client.
//
// Lines starting with a slash are commands; anything else is said in the
// current room.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aeolun/roomchat/pkg/client"
	"github.com/aeolun/roomchat/pkg/protocol"
)

const usage = `Commands:
  /register <name> <password>   create an identity and log in
  /login <name> <password>      log in
  /join <room> [password]       follow a room and make it current
  /leave <room>                 stop following a room
  /create <room> [password]     create a room
  /say <text>                   say something in the current room
  /w <name> <text>              whisper to someone
  /history [lines]              show recent messages
  /rooms                        list rooms
  /logout                       log out
  /quit                         exit`

type cli struct {
	c     *client.Client
	state *client.State
	room  string
}

func main() {
	serverAddr := flag.String("server", "localhost:6465", "Server address (host:port)")
	statePath := flag.String("state", "", "Client state database (default ~/.roomchat/client.db)")
	flag.Parse()

	if *statePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to find home directory: %v", err)
		}
		*statePath = filepath.Join(home, ".roomchat", "client.db")
	}

	state, err := client.OpenState(*statePath)
	if err != nil {
		log.Fatalf("Failed to open state: %v", err)
	}
	defer state.Close()

	c, err := client.Dial(*serverAddr, printEvent)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	app := &cli{c: c, state: state}
	app.resume()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		c.Close()
		os.Exit(0)
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println("Type /help for commands")
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := app.handle(strings.TrimSpace(line)); quit {
				return
			}
		case <-c.Done():
			if err := c.Err(); err != nil {
				log.Fatalf("Connection lost: %v", err)
			}
			return
		}
	}
}

// resume logs in with the saved token for this server, if any
func (a *cli) resume() {
	name, token, err := a.state.ResumeToken(a.c.Addr())
	if err != nil || token == "" {
		return
	}
	deviceID, err := a.state.DeviceID()
	if err != nil {
		log.Printf("Failed to load device id: %v", err)
		return
	}
	sess, err := a.c.Resume(name, token, deviceID)
	if err != nil {
		fmt.Printf("Could not resume as %s: %v\n", name, err)
		a.state.ForgetResumeToken(a.c.Addr())
		return
	}
	a.loggedIn(sess)
}

func (a *cli) loggedIn(sess *client.Session) {
	fmt.Printf("Logged in as %s (level %d)\n", sess.LoggedIn.Name, sess.LoggedIn.AccessLevel)
	if err := a.state.SaveResumeToken(a.c.Addr(), sess.LoggedIn.Name, sess.LoggedIn.ResumeToken); err != nil {
		log.Printf("Failed to save resume token: %v", err)
	}
	a.state.SetLastName(sess.LoggedIn.Name)
	if len(sess.Missed) > 0 {
		fmt.Printf("-- %d messages while you were away --\n", len(sess.Missed))
		for i := range sess.Missed {
			printMessage(&sess.Missed[i])
		}
	}
}

func (a *cli) handle(line string) (quit bool) {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		line = "/say " + line
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	args := strings.Fields(rest)

	var err error
	switch cmd {
	case "help":
		fmt.Println(usage)
	case "register", "login":
		if len(args) != 2 {
			err = fmt.Errorf("usage: /%s <name> <password>", cmd)
			break
		}
		var sess *client.Session
		if cmd == "register" {
			sess, err = a.c.Register(args[0], args[1])
		} else {
			sess, err = a.c.Login(args[0], args[1])
		}
		if err == nil {
			a.loggedIn(sess)
		}
	case "join", "create":
		if len(args) < 1 {
			err = fmt.Errorf("usage: /%s <room> [password]", cmd)
			break
		}
		var password *string
		if len(args) > 1 {
			password = &args[1]
		}
		if cmd == "join" {
			err = a.c.Join(args[0], password)
		} else {
			err = a.c.CreateRoom(args[0], password)
		}
		if err == nil {
			a.room = strings.ToLower(args[0])
			fmt.Printf("Now in %s\n", a.room)
		}
	case "leave":
		if len(args) != 1 {
			err = errors.New("usage: /leave <room>")
			break
		}
		err = a.c.Leave(args[0])
		if err == nil && strings.EqualFold(args[0], a.room) {
			a.room = ""
		}
	case "say":
		if a.room == "" {
			err = errors.New("join a room first")
			break
		}
		_, err = a.c.Say(a.room, rest)
	case "w":
		to, text, ok := strings.Cut(rest, " ")
		if !ok || text == "" {
			err = errors.New("usage: /w <name> <text>")
			break
		}
		_, err = a.c.Whisper(to, text)
	case "history":
		limit := 0
		if len(args) > 0 {
			if limit, err = strconv.Atoi(args[0]); err != nil {
				break
			}
		}
		var msgs []protocol.Message
		msgs, err = a.c.History(limit)
		for i := range msgs {
			printMessage(&msgs[i])
		}
	case "rooms":
		var rooms []protocol.RoomInfo
		rooms, err = a.c.Rooms()
		for _, room := range rooms {
			lock := ""
			if room.HasPassword {
				lock = " (password)"
			}
			fmt.Printf("  %-24s %-9s level %d%s\n", room.Name, room.Kind, room.AccessLevel, lock)
		}
	case "logout":
		err = a.c.Logout()
		if err == nil {
			a.state.ForgetResumeToken(a.c.Addr())
			a.room = ""
			fmt.Println("Logged out")
		}
	case "quit", "exit":
		return true
	default:
		err = fmt.Errorf("unknown command /%s, try /help", cmd)
	}

	if err != nil {
		fmt.Printf("! %v\n", err)
	}
	return false
}

// printEvent shows pushed events; echoes of our own messages arrive here too
func printEvent(ev protocol.Event) {
	switch ev := ev.(type) {
	case *protocol.Message:
		printMessage(ev)
	case *protocol.ForcedLogout:
		fmt.Printf("! Logged out: %s\n", ev.Reason)
	case *protocol.RoomRemoved:
		fmt.Printf("! Room %s was removed\n", ev.Room)
	case *protocol.LeaveConfirmed:
		fmt.Printf("! You are no longer in %s\n", ev.Room)
	case *protocol.Error:
		fmt.Printf("! %s: %s\n", ev.Kind, ev.Detail)
	case *protocol.CommandDenied:
		fmt.Printf("! Not allowed: %s\n", ev.CommandName)
	}
}

func printMessage(msg *protocol.Message) {
	at := time.UnixMilli(msg.Time).Format("15:04")
	prefix := fmt.Sprintf("[%s] %s <%s>", at, msg.Room, msg.Sender)
	if msg.Class != "plain" {
		prefix += " (" + msg.Class + ")"
	}
	for _, line := range msg.Text {
		fmt.Printf("%s %s\n", prefix, line)
	}
}
