package src

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BluetoothScanner is the optional sibling hunter. Absence (nil) is a
// valid state the mode manager checks for, not a crash.
type BluetoothScanner interface {
	Scan(ctx context.Context, duration time.Duration) ([]BluetoothDevice, error)
}

// ModeManager owns the operational mode state machine. It is the single
// authority over hardware mode and engine lifecycle: surrounding
// components (chat UI, tool servers) only ever call SwitchMode,
// GetStatus, WifiDeauth, WifiCapturePMKID, WifiSurvey and the event
// registry.
type ModeManager struct {
	log       zerolog.Logger
	cfg       *Config
	store     *Store
	hunter    WiFiHunter
	adapters  AdapterControl
	bluetooth BluetoothScanner
	bus       *EventBus

	// switchMu serializes mode transitions; mu guards the state snapshot.
	switchMu sync.Mutex
	mu       sync.Mutex
	state    ModeState
	seen     map[string]struct{}

	monitorIface string

	tickStop chan struct{}
	tickDone chan struct{}
}

func NewModeManager(cfg *Config, store *Store, hunter WiFiHunter, adapters AdapterControl, bluetooth BluetoothScanner, bus *EventBus) *ModeManager {
	return &ModeManager{
		log:       componentLogger("mode"),
		cfg:       cfg,
		store:     store,
		hunter:    hunter,
		adapters:  adapters,
		bluetooth: bluetooth,
		bus:       bus,
		state: ModeState{
			Mode:      ModePentest,
			EnteredAt: time.Now(),
		},
		seen: make(map[string]struct{}),
	}
}

// Start launches the background tick loop.
func (m *ModeManager) Start() {
	m.tickStop = make(chan struct{})
	m.tickDone = make(chan struct{})
	go m.runTicks()
	m.log.Info().Str("mode", string(m.CurrentMode())).Dur("tick", m.cfg.TickPeriod()).Msg("mode manager started")
}

// Stop cancels the tick loop, waits for it to drain, then runs the
// current mode's exit hook. Ordering matters: no tick may run against
// hardware that is mid-teardown.
func (m *ModeManager) Stop() {
	if m.tickStop != nil {
		close(m.tickStop)
		<-m.tickDone
		m.tickStop = nil
	}

	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	m.exitMode(m.CurrentMode())
	m.log.Info().Msg("mode manager stopped")
}

// CurrentMode returns the live mode.
func (m *ModeManager) CurrentMode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Mode
}

// GetStatus returns a copy of the live mode state.
func (m *ModeManager) GetStatus() ModeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers an event handler; see EventKind constants.
func (m *ModeManager) Subscribe(kind EventKind, h EventHandler) int {
	return m.bus.Subscribe(kind, h)
}

// Unsubscribe removes a handler registered with Subscribe.
func (m *ModeManager) Unsubscribe(kind EventKind, id int) {
	m.bus.Unsubscribe(kind, id)
}

// SwitchMode transitions to target. Switching to the current mode is a
// no-op success that runs no hooks. Otherwise the current mode's exit
// hook runs best-effort, then the target's entry hook; if entry fails the
// previous mode is re-entered and failure is reported, so a failed switch
// never strands the system between modes.
func (m *ModeManager) SwitchMode(target Mode) Result {
	if _, err := ParseMode(string(target)); err != nil {
		return fail("%v", err)
	}

	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	current := m.CurrentMode()
	if current == target {
		return ok("already in %s mode", current)
	}

	m.exitMode(current)

	if err := m.enterMode(target); err != nil {
		m.log.Error().Str("from", string(current)).Str("to", string(target)).Err(err).
			Msg("mode entry failed, restoring previous mode")
		if rerr := m.enterMode(current); rerr != nil {
			m.log.Error().Str("mode", string(current)).Err(rerr).
				Msg("failed to restore previous mode")
		}
		m.mu.Lock()
		m.state.Interface = m.monitorIface
		m.state.MonitorEnabled = m.monitorIface != ""
		m.mu.Unlock()
		return fail("failed to enter %s mode: %v", target, err)
	}

	now := time.Now()
	m.mu.Lock()
	m.state = ModeState{
		Mode:           target,
		EnteredAt:      now,
		Interface:      m.monitorIface,
		MonitorEnabled: m.monitorIface != "",
		LastActivity:   now,
	}
	m.seen = make(map[string]struct{})
	m.mu.Unlock()

	m.log.Info().Str("from", string(current)).Str("to", string(target)).Msg("mode switched")
	m.bus.Publish(EventModeChanged, ModeChange{From: current, To: target})
	return ok("switched from %s to %s", current, target)
}

// exitMode tears down the current mode's hardware and engine state.
// Best-effort: failures are logged, never propagated, and teardown always
// runs to the end.
func (m *ModeManager) exitMode(mode Mode) {
	switch mode {
	case ModeWiFiPassive, ModeWiFiActive:
		m.hunter.StopCapture(false)
		if m.monitorIface != "" {
			if err := m.adapters.DisableMonitorMode(m.monitorIface); err != nil {
				m.log.Warn().Str("iface", m.monitorIface).Err(err).Msg("monitor teardown failed")
			}
			m.monitorIface = ""
		}
	case ModeBluetooth, ModePentest, ModeIdle:
	}
}

// enterMode establishes the target mode's hardware and engine state.
func (m *ModeManager) enterMode(mode Mode) error {
	switch mode {
	case ModeWiFiPassive, ModeWiFiActive:
		ad, err := m.selectAdapter()
		if err != nil {
			return err
		}
		mon := ad.Interface
		if ad.HWMode != HWModeMonitor {
			var err error
			mon, err = m.adapters.EnableMonitorMode(ad.Interface)
			if err != nil {
				return fmt.Errorf("monitor mode on %s: %w", ad.Interface, err)
			}
		}
		if err := m.hunter.StartPassiveCapture(mon); err != nil {
			// Don't leave a dangling monitor interface behind a failed entry.
			if derr := m.adapters.DisableMonitorMode(mon); derr != nil {
				m.log.Warn().Err(derr).Msg("monitor rollback failed")
			}
			return err
		}
		m.monitorIface = mon
	case ModeBluetooth:
		if m.bluetooth == nil {
			return errors.New("bluetooth hunter not available")
		}
	case ModePentest, ModeIdle:
	}
	return nil
}

// selectAdapter honors a configured interface override, otherwise picks
// the best monitor-capable adapter.
func (m *ModeManager) selectAdapter() (*WirelessAdapter, error) {
	if m.cfg.Interface != "" {
		adapters, err := m.adapters.Detect(true)
		if err != nil {
			return nil, fmt.Errorf("adapter detection failed: %w", err)
		}
		for i := range adapters {
			if adapters[i].Interface == m.cfg.Interface {
				if !adapters[i].MonitorCapable && adapters[i].HWMode != HWModeMonitor {
					return nil, fmt.Errorf("configured interface %s is not monitor-capable", m.cfg.Interface)
				}
				return &adapters[i], nil
			}
		}
		return nil, fmt.Errorf("configured interface %s not found", m.cfg.Interface)
	}

	ad := m.adapters.BestMonitorAdapter()
	if ad == nil {
		return nil, errors.New("no monitor-capable wireless adapter found")
	}
	return ad, nil
}

// WifiDeauth sends count deauthentication frames at the AP/client pair.
// Refused outside wifi_active. Every executed attempt is written to the
// audit log whether or not it succeeded.
func (m *ModeManager) WifiDeauth(bssid, client string, count int) Result {
	if bssid == "" {
		return fail("bssid is required")
	}
	if mode := m.CurrentMode(); mode != ModeWiFiActive {
		return fail("deauth requires wifi_active mode (current: %s)", mode)
	}
	if count <= 0 {
		count = 1
	}

	err := m.hunter.Deauth(bssid, client, count)
	if lerr := m.store.LogDeauth(&DeauthAttempt{
		BSSID:     bssid,
		ClientMAC: client,
		Packets:   count,
		Success:   err == nil,
		At:        time.Now(),
	}); lerr != nil {
		m.log.Warn().Err(lerr).Msg("failed to write deauth audit entry")
	}
	if err != nil {
		return fail("deauth against %s failed: %v", bssid, err)
	}
	m.touchActivity()
	return ok("sent %d deauth bursts at %s", count, bssid)
}

// WifiCapturePMKID attempts a PMKID capture against bssid. The
// association attempt transmits, so this too is gated on wifi_active.
func (m *ModeManager) WifiCapturePMKID(bssid string) Result {
	if bssid == "" {
		return fail("bssid is required")
	}
	if mode := m.CurrentMode(); mode != ModeWiFiActive {
		return fail("PMKID capture requires wifi_active mode (current: %s)", mode)
	}

	hs, err := m.hunter.CapturePMKID(bssid)
	if err != nil {
		return fail("PMKID capture against %s failed: %v", bssid, err)
	}
	if hs == nil {
		return fail("no PMKID obtained from %s", bssid)
	}

	if err := m.store.SaveHandshake(hs); err != nil {
		m.log.Warn().Err(err).Msg("failed to persist PMKID capture")
	}
	m.touchActivity()
	m.refreshCapturesToday()
	m.bus.Publish(EventHandshake, *hs)
	return ok("PMKID captured from %s (%s)", bssid, hs.Path)
}

// WifiSurvey aggregates the current targets per channel. Works in either
// WiFi mode; it only reads engine state.
func (m *ModeManager) WifiSurvey() ([]ChannelSurvey, Result) {
	mode := m.CurrentMode()
	if mode != ModeWiFiPassive && mode != ModeWiFiActive {
		return nil, fail("survey requires a wifi mode (current: %s)", mode)
	}
	surveys := m.hunter.Survey(m.hunter.GetTargets())
	return surveys, ok("%d channels in use", len(surveys))
}

// Background tick loop. Fixed period, independent of any UI cadence. One
// failed or panicking tick never stops the loop.

func (m *ModeManager) runTicks() {
	defer close(m.tickDone)
	ticker := time.NewTicker(m.cfg.TickPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-m.tickStop:
			return
		case <-ticker.C:
			m.safeTick()
		}
	}
}

func (m *ModeManager) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("tick panicked, loop continues")
		}
	}()
	switch m.CurrentMode() {
	case ModeWiFiPassive, ModeWiFiActive:
		m.wifiTick()
	case ModeBluetooth:
		m.bluetoothTick()
	case ModePentest, ModeIdle:
	}
}

// wifiTick pulls fresh engine state into the store and runs rogue-AP
// detection. Each tick is independent and convergent; per-target errors
// are logged and skipped.
func (m *ModeManager) wifiTick() {
	targets := m.hunter.GetTargets()

	for i := range targets {
		t := &targets[i]
		prior, err := m.store.GetTarget(t.BSSID)
		if err != nil {
			m.log.Warn().Str("bssid", t.BSSID).Err(err).Msg("target read failed")
			continue
		}
		if err := m.store.UpsertTarget(t); err != nil {
			m.log.Warn().Str("bssid", t.BSSID).Err(err).Msg("target upsert failed")
			continue
		}
		m.recordPassiveCaptures(t, prior)

		m.mu.Lock()
		m.seen[t.BSSID] = struct{}{}
		m.mu.Unlock()
	}

	for _, c := range m.hunter.GetClients() {
		client := c
		if err := m.store.UpsertClient(&client); err != nil {
			m.log.Warn().Str("mac", c.MAC).Err(err).Msg("client upsert failed")
		}
	}

	for _, alert := range m.hunter.DetectEvilTwin(targets) {
		a := alert
		created, err := m.store.AddEvilTwinAlert(&a)
		if err != nil {
			m.log.Warn().Str("essid", a.ESSID).Err(err).Msg("evil twin alert write failed")
			continue
		}
		if created {
			m.log.Warn().Str("essid", a.ESSID).Str("original", a.OriginalBSSID).
				Str("rogue", a.RogueBSSID).Msg("possible evil twin detected")
			m.bus.Publish(EventEvilTwin, a)
		}
	}

	m.mu.Lock()
	m.state.TargetsFound = len(m.seen)
	m.state.LastActivity = time.Now()
	m.mu.Unlock()
	m.refreshCapturesToday()
}

// recordPassiveCaptures turns an engine-side captured flag that is new
// since the last tick into a handshake record and event. Passive captures
// land in the shared session artifact.
func (m *ModeManager) recordPassiveCaptures(t *WiFiTarget, prior *WiFiTarget) {
	sessionPath := filepath.Join(m.cfg.CaptureDir, "session.pcap")

	if t.HandshakeCaptured && (prior == nil || !prior.HandshakeCaptured) {
		hs := &Handshake{
			Type:       HandshakeFourWay,
			BSSID:      t.BSSID,
			ESSID:      t.ESSID,
			Path:       sessionPath,
			CapturedAt: time.Now(),
		}
		if err := m.store.SaveHandshake(hs); err != nil {
			m.log.Warn().Err(err).Msg("failed to persist passive handshake")
			return
		}
		m.log.Info().Str("bssid", t.BSSID).Str("essid", t.ESSID).Msg("handshake captured")
		m.bus.Publish(EventHandshake, *hs)
	}
	if t.PMKIDCaptured && (prior == nil || !prior.PMKIDCaptured) {
		hs := &Handshake{
			Type:       HandshakePMKID,
			BSSID:      t.BSSID,
			ESSID:      t.ESSID,
			Path:       sessionPath,
			CapturedAt: time.Now(),
		}
		if err := m.store.SaveHandshake(hs); err != nil {
			m.log.Warn().Err(err).Msg("failed to persist passive PMKID")
			return
		}
		m.log.Info().Str("bssid", t.BSSID).Str("essid", t.ESSID).Msg("PMKID captured")
		m.bus.Publish(EventHandshake, *hs)
	}
}

// bluetoothTick runs a short passive scan via the optional sibling hunter.
func (m *ModeManager) bluetoothTick() {
	if m.bluetooth == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TickPeriod())
	defer cancel()

	devices, err := m.bluetooth.Scan(ctx, 2*time.Second)
	if err != nil {
		m.log.Warn().Err(err).Msg("bluetooth scan failed")
		return
	}
	for _, d := range devices {
		m.bus.Publish(EventBluetoothDevice, d)
	}
	m.touchActivity()
}

func (m *ModeManager) touchActivity() {
	m.mu.Lock()
	m.state.LastActivity = time.Now()
	m.mu.Unlock()
}

func (m *ModeManager) refreshCapturesToday() {
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	n, err := m.store.CountHandshakesSince(midnight)
	if err != nil {
		m.log.Warn().Err(err).Msg("captures-today count failed")
		return
	}
	m.mu.Lock()
	m.state.CapturesToday = n
	m.mu.Unlock()
}
