package src

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Engine manages the external recon/attack engine process and its
// basic-auth protected control API on localhost. If the API already
// answers when Start is called, the running engine is adopted instead of
// spawned, and is then never killed by Stop.
type Engine struct {
	log zerolog.Logger
	cfg EngineConfig

	client *http.Client

	mu      sync.Mutex
	process *exec.Cmd
	spawned bool
	iface   string
}

func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		log:    componentLogger("engine"),
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (e *Engine) sessionURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/api/session", e.cfg.APIPort)
}

// Alive probes the control API.
func (e *Engine) Alive() bool {
	req, err := http.NewRequest(http.MethodGet, e.sessionURL(), nil)
	if err != nil {
		return false
	}
	req.SetBasicAuth(e.cfg.APIUser, e.cfg.APIPassword)
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Start launches the engine bound to iface with the API local-only, then
// polls the API once per second until it responds or the retry budget is
// exhausted. A reachable engine is reused as-is.
func (e *Engine) Start(iface string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Alive() {
		e.log.Info().Msg("engine already running, reusing it")
		e.iface = iface
		return nil
	}

	if _, err := exec.LookPath(e.cfg.Binary); err != nil {
		return fmt.Errorf("engine binary %q not found in PATH: %w", e.cfg.Binary, err)
	}

	randomizeMAC(e.log, iface)

	evalCmd := fmt.Sprintf(
		"set api.rest.address 127.0.0.1; set api.rest.port %d; set api.rest.username %s; set api.rest.password %s; api.rest on; set wifi.handshakes.aggregate false",
		e.cfg.APIPort, e.cfg.APIUser, e.cfg.APIPassword,
	)
	cmd := exec.Command(e.cfg.Binary, "-iface", iface, "-eval", evalCmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	e.process = cmd
	e.spawned = true
	e.iface = iface

	for i := 0; i < e.cfg.StartRetries; i++ {
		time.Sleep(1 * time.Second)
		if e.Alive() {
			e.log.Info().Str("iface", iface).Int("api_port", e.cfg.APIPort).Msg("engine started")
			return nil
		}
	}

	e.killLocked()
	return fmt.Errorf("engine API did not come up within %d seconds", e.cfg.StartRetries)
}

// Stop terminates a spawned engine, escalating from SIGTERM to SIGKILL
// after a grace period. An adopted engine is left running.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.spawned || e.process == nil {
		return
	}

	_ = e.process.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		e.process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.log.Warn().Msg("engine ignored SIGTERM, killing")
		e.killLocked()
		<-done
	}
	e.process = nil
	e.spawned = false
	e.log.Info().Msg("engine stopped")
}

func (e *Engine) killLocked() {
	if e.process != nil && e.process.Process != nil {
		_ = e.process.Process.Kill()
	}
}

// RunCommand posts one command string to the control API.
func (e *Engine) RunCommand(command string) error {
	body, err := json.Marshal(EngineCommand{Cmd: command})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, e.sessionURL(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(e.cfg.APIUser, e.cfg.APIPassword)

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine API returned status %d", resp.StatusCode)
	}
	return nil
}

// Session fetches the engine's discovered state.
func (e *Engine) Session() (*EngineSession, error) {
	req, err := http.NewRequest(http.MethodGet, e.sessionURL(), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(e.cfg.APIUser, e.cfg.APIPassword)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine API returned status %d", resp.StatusCode)
	}

	var session EngineSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, err
	}
	return &session, nil
}

// randomizeMAC sets a locally administered random MAC on iface before the
// engine takes it over. Best-effort: many drivers refuse, which is fine.
func randomizeMAC(log zerolog.Logger, iface string) {
	mac := make([]byte, 6)
	rand.Read(mac)
	mac[0] = (mac[0] & 0xFC) | 0x02
	addr := fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])

	steps := [][]string{
		{"ip", "link", "set", "dev", iface, "down"},
		{"ip", "link", "set", "dev", iface, "address", addr},
		{"ip", "link", "set", "dev", iface, "up"},
	}
	for _, step := range steps {
		if err := exec.Command(step[0], step[1:]...).Run(); err != nil {
			log.Debug().Str("iface", iface).Err(err).Msg("MAC randomization not available")
			return
		}
	}
	log.Info().Str("iface", iface).Str("mac", addr).Msg("MAC address randomized")
}
