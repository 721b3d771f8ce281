package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mindwanders1993/GhostChatApp/loadtest/client"
	"github.com/mindwanders1993/GhostChatApp/loadtest/stats"
)

// runChat implements the room chat load test. Ghosts are distributed across a
// set of freshly created rooms and send messages at a steady rate for the
// test duration. Because the server broadcasts new_message to every room
// member including the sender, each sender measures the full send-to-broadcast
// round trip by timestamping its own message content.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	metricsURL := fs.String("metrics", "", "Server metrics URL to scrape (e.g. http://localhost:8081/metrics)")
	ghosts := fs.Int("ghosts", 50, "Number of ghosts to connect")
	rooms := fs.Int("rooms", 5, "Number of rooms to spread the ghosts across")
	duration := fs.Duration("duration", 60*time.Second, "Message sending duration")
	rate := fs.Float64("rate", 1.0, "Messages per second per ghost")
	fs.Parse(args)

	if *rooms > *ghosts {
		*rooms = *ghosts
	}

	fmt.Printf("Chat test: %d ghosts in %d rooms on %s (duration=%s, rate=%.1f msg/s per ghost)\n",
		*ghosts, *rooms, *url, *duration, *rate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 5*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	// -----------------------------------------------------------------------
	// Connect phase
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Connect phase ---")

	clients := make([]*client.Client, 0, *ghosts)
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	for i := 0; i < *ghosts; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("Interrupted during connect phase.")
			collector.Report()
			return
		default:
		}

		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		c, err := client.New(connCtx, *url)
		if err == nil {
			err = c.WaitForWelcome(connCtx)
		}
		cancel()
		if err != nil {
			collector.AddError()
			continue
		}
		collector.AddConnect(c.GetMetrics().ConnectLatency)
		clients = append(clients, c)
	}
	fmt.Printf("Connected %d/%d ghosts (%d errors)\n",
		len(clients), *ghosts, collector.ErrorCount())
	if len(clients) == 0 {
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Room setup phase: the first ghost of each room creates it, everyone
	// else assigned to that room joins by id.
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Room setup phase ---")

	roomIDs := make([]string, 0, *rooms)
	for i := 0; i < *rooms && i < len(clients); i++ {
		creator := clients[i]
		created := make(chan string, 1)
		creator.On(client.TypeRoomCreated, func(raw json.RawMessage) {
			var msg struct {
				Room struct {
					ID string `json:"id"`
				} `json:"room"`
			}
			if err := json.Unmarshal(raw, &msg); err == nil && msg.Room.ID != "" {
				select {
				case created <- msg.Room.ID:
				default:
				}
			}
		})

		if err := creator.CreateRoom(fmt.Sprintf("loadtest-%d", i)); err != nil {
			collector.AddError()
			continue
		}
		select {
		case id := <-created:
			roomIDs = append(roomIDs, id)
		case <-time.After(5 * time.Second):
			fmt.Printf("  room %d: creation timed out\n", i)
			collector.AddError()
		case <-ctx.Done():
			collector.Report()
			return
		}
	}
	if len(roomIDs) == 0 {
		fmt.Println("No rooms could be created.")
		collector.Report()
		return
	}
	fmt.Printf("Created %d rooms\n", len(roomIDs))

	// Assign every ghost a room round-robin and join it.
	assignment := make([]string, len(clients))
	var joinWg sync.WaitGroup
	for i, c := range clients {
		roomID := roomIDs[i%len(roomIDs)]
		assignment[i] = roomID

		joined := make(chan struct{}, 1)
		c.On(client.TypeRoomJoined, func(json.RawMessage) {
			select {
			case joined <- struct{}{}:
			default:
			}
		})

		joinWg.Add(1)
		go func(c *client.Client) {
			defer joinWg.Done()
			if err := c.JoinRoom(roomID); err != nil {
				collector.AddError()
				return
			}
			select {
			case <-joined:
			case <-time.After(5 * time.Second):
				collector.AddError()
			case <-ctx.Done():
			}
		}(c)
	}
	joinWg.Wait()
	fmt.Println("All ghosts joined their rooms.")

	// -----------------------------------------------------------------------
	// Message phase
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Message phase ---")

	// Each sender stamps its messages with its ghost id and a send time in
	// nanoseconds; receiving its own broadcast back closes the measurement.
	for _, c := range clients {
		c := c
		own := c.GhostID()
		c.On(client.TypeNewMessage, func(raw json.RawMessage) {
			var msg struct {
				Message struct {
					Sender  string `json:"sender"`
					Content string `json:"content"`
				} `json:"message"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil {
				return
			}
			if msg.Message.Sender != own {
				return
			}
			parts := strings.Split(msg.Message.Content, " ")
			if len(parts) != 2 || parts[0] != "lt" {
				return
			}
			nanos, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return
			}
			collector.AddBroadcastLatency(time.Since(time.Unix(0, nanos)))
		})
	}

	sendInterval := time.Duration(float64(time.Second) / *rate)
	deadline := time.After(*duration)
	var sendWg sync.WaitGroup

	msgCtx, msgCancel := context.WithCancel(ctx)
	for i, c := range clients {
		sendWg.Add(1)
		go func(c *client.Client, roomID string) {
			defer sendWg.Done()
			ticker := time.NewTicker(sendInterval)
			defer ticker.Stop()
			for {
				select {
				case <-msgCtx.Done():
					return
				case <-ticker.C:
					content := fmt.Sprintf("lt %d", time.Now().UnixNano())
					if err := c.SendChat(roomID, content); err != nil {
						collector.AddError()
						return
					}
					collector.AddSent()
				}
			}
		}(c, assignment[i])
	}

	select {
	case <-deadline:
		fmt.Println("Message phase complete.")
	case <-ctx.Done():
		fmt.Println("Interrupted during message phase.")
	}
	msgCancel()
	sendWg.Wait()

	// Allow in-flight broadcasts to arrive before closing.
	time.Sleep(500 * time.Millisecond)

	collector.Report()
}
