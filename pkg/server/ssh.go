package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/aeolun/roomchat/pkg/database"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"
)

// startSSHServer starts the SSH server on the configured port
func (s *Server) startSSHServer() error {
	if s.config.SSHPort < 0 {
		log.Printf("SSH server disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	// SSH users authenticate with their chat identity's password
	config := &ssh.ServerConfig{
		PasswordCallback: s.authenticateSSHPassword,
		ServerVersion:    "SSH-2.0-RoomChat",
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", listenAddr(s.config.SSHPort))
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listenAddr(s.config.SSHPort), err)
	}
	s.sshListener = listener
	log.Printf("SSH server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptLoop(listener, "ssh", func(conn net.Conn) {
		s.handleSSHConnection(conn, config)
	})
	return nil
}

// handleSSHConnection performs the handshake and serves session channels
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		debugLog.Printf("SSH handshake from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		// Only "session" channels carry the chat protocol
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Printf("Could not accept channel: %v", err)
			continue
		}

		go handleSSHChannelRequests(requests)
		go s.handleSSHSession(channel, sshConn)
	}
}

func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// handleSSHSession runs the frame protocol over an SSH channel. The identity
// authenticated during the handshake is attached before the first read.
func (s *Server) handleSSHSession(channel ssh.Channel, sshConn *ssh.ServerConn) {
	sess := s.addConnection(NewFrameConn(channel, s.config.SendQueueSize), sshConn.RemoteAddr().String(), "ssh")

	name := ""
	if sshConn.Permissions != nil {
		name = sshConn.Permissions.Extensions["identity"]
	}
	if name != "" {
		if err := s.attachSSHIdentity(sess, name); err != nil {
			s.sendError(sess, "sshLogin", err)
			s.removeSession(sess)
			return
		}
	}

	s.messageLoop(sess, channel)
}

func (s *Server) attachSSHIdentity(sess *Session, name string) error {
	ctx := sess.Context()
	ident, err := s.store.GetIdentity(ctx, name)
	if err != nil {
		return persistenceError("getIdentity", name, err)
	}
	return s.completeLogin(ctx, sess, ident, "")
}

// authenticateSSHPassword checks the SSH user name and password against the identity store
func (s *Server) authenticateSSHPassword(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	name := strings.ToLower(meta.User())

	ident, err := s.store.GetIdentity(context.Background(), name)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			errorLog.Printf("SSH auth: lookup of %s failed: %v", name, err)
		}
		return nil, fmt.Errorf("invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(ident.PasswordHash), password) != nil {
		debugLog.Printf("SSH auth: bad password for %s from %s", name, meta.RemoteAddr())
		return nil, fmt.Errorf("invalid credentials")
	}
	if ident.Banned {
		log.Printf("SSH auth rejected: %s is banned", name)
		return nil, fmt.Errorf("identity banned")
	}

	log.Printf("SSH auth: %s from %s", name, meta.RemoteAddr())
	return &ssh.Permissions{
		Extensions: map[string]string{"identity": name},
	}, nil
}

// loadOrGenerateHostKey loads the SSH host key, creating an ed25519 key on first start
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	keyPath, err := expandHome(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPath) == "" {
		return nil, fmt.Errorf("ssh host key path is empty; set [server].ssh_host_key or remove it to use the default (%s)", DefaultConfig().SSHHostKeyPath)
	}

	keyBytes, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key %s: %w", keyPath, err)
		}
		return signer, nil
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(private, "roomchat host key")
	if err != nil {
		return nil, fmt.Errorf("failed to encode host key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create host key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("failed to write host key: %w", err)
	}
	log.Printf("Generated SSH host key at %s", keyPath)

	return ssh.NewSignerFromKey(private)
}
