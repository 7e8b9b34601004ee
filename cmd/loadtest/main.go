// Command loadtest drives many concurrent clients against a RoomChat server.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/roomchat/pkg/client"
	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/samber/lo"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	var load1 float64
	fmt.Sscanf(string(data), "%f", &load1)
	return load1
}

type Stats struct {
	posted          atomic.Int64
	failed          atomic.Int64
	historyFailed   atomic.Int64
	timeouts        atomic.Int64
	connErrors      atomic.Int64
	forcedLogouts   atomic.Int64
	received        atomic.Int64
	totalResponseUs atomic.Int64
	clients         atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.posted.Add(1)
	s.totalResponseUs.Add(responseTimeUs)
}

func (s *Stats) recordFailure(err error) {
	s.failed.Add(1)
	if errors.Is(err, client.ErrTimeout) {
		s.timeouts.Add(1)
	}
}

func (s *Stats) snapshot() (posted, failed, connErrors int64, avgResponseUs float64) {
	posted = s.posted.Load()
	failed = s.failed.Load()
	connErrors = s.connErrors.Load()
	if posted > 0 {
		avgResponseUs = float64(s.totalResponseUs.Load()) / float64(posted)
	}
	return
}

// Bot is one simulated user
type Bot struct {
	id    int
	name  string
	room  string
	c     *client.Client
	stats *Stats
}

func NewBot(id int, serverAddr, room string, stats *Stats) (*Bot, error) {
	b := &Bot{
		id:    id,
		name:  fmt.Sprintf("lt%d_%s", id, lo.RandomString(6, lo.LowerCaseLettersCharset)),
		room:  room,
		stats: stats,
	}
	c, err := client.Dial(serverAddr, b.onEvent)
	if err != nil {
		return nil, err
	}
	b.c = c
	return b, nil
}

func (b *Bot) onEvent(ev protocol.Event) {
	switch ev.(type) {
	case *protocol.Message:
		b.stats.received.Add(1)
	case *protocol.ForcedLogout:
		b.stats.forcedLogouts.Add(1)
	}
}

// Setup registers the bot and joins the load test room
func (b *Bot) Setup() error {
	if _, err := b.c.Register(b.name, "loadtest-"+b.name); err != nil {
		return fmt.Errorf("register %s: %w", b.name, err)
	}
	if err := b.c.Join(b.room, nil); err != nil {
		return fmt.Errorf("join %s: %w", b.room, err)
	}
	return nil
}

func (b *Bot) PostRandomMessage() {
	words := lo.Samples(loremWords, 3+rand.Intn(10))
	start := time.Now()
	if _, err := b.c.Say(b.room, strings.Join(words, " ")); err != nil {
		b.stats.recordFailure(err)
		log.Printf("[Bot %d] post failed: %v", b.id, err)
		return
	}
	b.stats.recordSuccess(time.Since(start).Microseconds())
}

func (b *Bot) Run(stop <-chan struct{}, duration, minDelay, maxDelay time.Duration) {
	defer b.c.Close()
	deadline := time.After(duration)

	for {
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-stop:
			return
		case <-deadline:
			return
		case <-b.c.Done():
			b.stats.connErrors.Add(1)
			return
		case <-time.After(delay):
		}

		// One in ten actions is a history fetch
		if rand.Intn(10) == 0 {
			if _, err := b.c.History(20); err != nil {
				b.stats.historyFailed.Add(1)
			}
			continue
		}
		b.PostRandomMessage()
	}
}

func initLogging() error {
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	return nil
}

func main() {
	serverAddr := flag.String("server", "localhost:6465", "Server address (host:port)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	room := flag.String("room", "public", "Room to post in")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	flag.Parse()

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	// Ramp up over a quarter of the test
	rampUp := *duration / 4
	staggerDelay := max(rampUp/time.Duration(*numClients), time.Millisecond)

	log.Printf("Starting load test: %d clients against %s for %v (ramp-up %v)", *numClients, *serverAddr, *duration, rampUp)

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopAll()
	}()

	reportDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, failed, connErrors, avgUs := stats.snapshot()
				rate := float64(posted) / time.Since(start).Seconds()
				log.Printf("Stats: %d clients, %d posted (%.1f/s), %d failed, %d conn errors, %d received, avg %.2fms, load %.2f, goroutines %d",
					stats.clients.Load(), posted, rate, failed, connErrors, stats.received.Load(), avgUs/1000, getCPULoad(), runtime.NumGoroutine())
			case <-reportDone:
				return
			}
		}
	}()

	var wg sync.WaitGroup
spawn:
	for i := 0; i < *numClients; i++ {
		select {
		case <-stop:
			break spawn
		default:
		}

		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			bot, err := NewBot(id, *serverAddr, *room, stats)
			if err != nil {
				stats.connErrors.Add(1)
				return
			}
			if err := bot.Setup(); err != nil {
				stats.connErrors.Add(1)
				log.Printf("[Bot %d] setup failed: %v", id, err)
				bot.c.Close()
				return
			}
			stats.clients.Add(1)
			bot.Run(stop, *duration-time.Duration(id)*staggerDelay, *minDelay, *maxDelay)
		}(i)
		time.Sleep(staggerDelay)
	}

	wg.Wait()
	close(reportDone)

	posted, failed, connErrors, avgUs := stats.snapshot()
	log.Printf("Done: %d posted, %d failed (%d timeouts), %d history failures, %d conn errors, %d forced logouts, avg response %.2fms",
		posted, failed, stats.timeouts.Load(), stats.historyFailed.Load(), connErrors, stats.forcedLogouts.Load(), avgUs/1000)
	if failed > 0 || connErrors > 0 {
		os.Exit(1)
	}
}
