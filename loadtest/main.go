package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("pairchat.loadtest")

var (
	baseURL   = flag.String("base", "http://localhost:8080", "server base URL")
	pairCount = flag.Int("pairs", 50, "number of user pairs")
	msgCount  = flag.Int("messages", 20, "messages per user")
)

type authResponse struct {
	Token string `json:"access_token"`
	User  struct {
		ID string `json:"_id"`
	} `json:"userData"`
}

type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type tally struct {
	sent, received, delivered, seen atomic.Int64
}

func main() {
	flag.Parse()
	loggo.ConfigureLoggers("<root>=INFO")
	logger.Infof("🔥 STARTING STRESS TEST: %d users, %d messages each", *pairCount*2, *msgCount)

	var wg sync.WaitGroup
	var t tally
	start := time.Now()

	// Pairs: user 0a talks to 0b, 1a to 1b ...
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := runPair(pairID, &t); err != nil {
				logger.Errorf("pair %d: %v", pairID, err)
			}
		}(i)
	}

	wg.Wait()
	logger.Infof("✅ LOAD TEST COMPLETE in %s: sent=%d newMessage=%d delivered=%d seen=%d",
		time.Since(start).Round(time.Millisecond), t.sent.Load(), t.received.Load(), t.delivered.Load(), t.seen.Load())
}

type participant struct {
	name, token, id string
	conn            *websocket.Conn
}

func runPair(pairID int, t *tally) error {
	a := &participant{name: fmt.Sprintf("u_%d_a", pairID)}
	b := &participant{name: fmt.Sprintf("u_%d_b", pairID)}
	for _, p := range []*participant{a, b} {
		if err := p.authenticate("password123"); err != nil {
			return err
		}
		if err := p.connect(); err != nil {
			return err
		}
		defer p.conn.Close()
	}

	// Each side opens the other's chat so sends are seen on arrival.
	for _, pair := range [][2]*participant{{a, b}, {b, a}} {
		if err := pair[0].conn.WriteJSON(map[string]any{"event": "setActiveChat", "payload": pair[1].id}); err != nil {
			return errors.Annotatef(err, "%s setActiveChat", pair[0].name)
		}
	}

	var readers sync.WaitGroup
	for _, p := range []*participant{a, b} {
		readers.Add(1)
		go func(p *participant) {
			defer readers.Done()
			p.read(t)
		}(p)
	}

	var writers sync.WaitGroup
	for _, pair := range [][2]*participant{{a, b}, {b, a}} {
		writers.Add(1)
		go func(from, to *participant) {
			defer writers.Done()
			from.spam(to, t)
		}(pair[0], pair[1])
	}
	writers.Wait()

	// Give in-flight events a moment, then stop the readers.
	time.Sleep(time.Second)
	a.conn.Close()
	b.conn.Close()
	readers.Wait()
	return nil
}

// authenticate registers (an existing user is fine) and logs in.
func (p *participant) authenticate(password string) error {
	creds := map[string]string{"username": p.name, "password": password}
	if resp, err := postJSON("/register", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/login", creds)
	if err != nil {
		return errors.Annotatef(err, "login %s", p.name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("login %s: status %d", p.name, resp.StatusCode)
	}

	var data authResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return errors.Trace(err)
	}
	p.token, p.id = data.Token, data.User.ID
	return nil
}

func (p *participant) connect() error {
	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws?token=" + p.token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return errors.Annotatef(err, "ws connect %s", p.name)
	}
	p.conn = conn
	return nil
}

func (p *participant) read(t *tally) {
	for {
		var f frame
		if err := p.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Event {
		case "newMessage":
			t.received.Add(1)
		case "messageDelivered":
			t.delivered.Add(1)
		case "messageSeenByReceiver":
			t.seen.Add(1)
		}
	}
}

func (p *participant) spam(to *participant, t *tally) {
	for i := 0; i < *msgCount; i++ {
		body := map[string]string{"text": fmt.Sprintf("LoadTest Msg %d from %s", i, p.name)}
		data, _ := json.Marshal(body)
		req, _ := http.NewRequest(http.MethodPost, *baseURL+"/api/messages/send/"+to.id, bytes.NewReader(data))
		req.Header.Set("Authorization", "Bearer "+p.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			logger.Warningf("send from %s: %v", p.name, err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusCreated {
			t.sent.Add(1)
		}
		// Simulate a real network rather than a localhost firehose.
		time.Sleep(10 * time.Millisecond)
	}
	logger.Infof("%s finished sending %d msgs", p.name, *msgCount)
}

func postJSON(endpoint string, data any) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(*baseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
