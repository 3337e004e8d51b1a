package src

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WiFiHunter is the surface the mode manager drives.
type WiFiHunter interface {
	StartPassiveCapture(iface string) error
	StopCapture(stopEngine bool)
	GetTargets() []WiFiTarget
	GetClients() []WiFiClient
	Deauth(bssid, client string, count int) error
	CapturePMKID(bssid string) (*Handshake, error)
	CaptureHandshake(bssid, client string, timeout time.Duration, deauth bool) (*Handshake, error)
	DetectEvilTwin(targets []WiFiTarget) []EvilTwinAlert
	Survey(targets []WiFiTarget) []ChannelSurvey
}

// WirelessHunter drives the external engine and translates its state into
// domain objects. It owns no hardware: interface selection and monitor
// mode belong to the adapter manager via the mode manager.
type WirelessHunter struct {
	log        zerolog.Logger
	cfg        *Config
	engine     *Engine
	captureDir string

	// pacing knobs, shrunk by tests
	deauthPause  time.Duration
	pmkidSettle  time.Duration
	pollInterval time.Duration

	mu        sync.Mutex
	iface     string
	whitelist map[string]bool
	capturing bool
}

func NewWirelessHunter(cfg *Config, engine *Engine) *WirelessHunter {
	h := &WirelessHunter{
		log:          componentLogger("hunter"),
		cfg:          cfg,
		engine:       engine,
		captureDir:   cfg.CaptureDir,
		deauthPause:  500 * time.Millisecond,
		pmkidSettle:  5 * time.Second,
		pollInterval: 3 * time.Second,
		whitelist:    make(map[string]bool),
	}
	if err := h.loadWhitelist(); err != nil {
		h.log.Warn().Err(err).Msg("failed to load whitelist")
	}
	return h
}

// loadWhitelist reads BSSIDs to ignore, one per line, # comments allowed.
// A missing file simply means no whitelist.
func (h *WirelessHunter) loadWhitelist() error {
	if h.cfg.WhitelistFile == "" {
		return nil
	}
	file, err := os.Open(h.cfg.WhitelistFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	count := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			h.whitelist[strings.ToUpper(line)] = true
			count++
		}
	}
	if count > 0 {
		h.log.Info().Int("bssids", count).Msg("whitelist loaded")
	}
	return scanner.Err()
}

// StartPassiveCapture ensures the engine is up on iface, points its
// handshake artifacts at the capture directory and enables passive recon.
// Nothing is transmitted.
func (h *WirelessHunter) StartPassiveCapture(iface string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(h.captureDir, 0o755); err != nil {
		return fmt.Errorf("capture dir: %w", err)
	}
	if err := h.engine.Start(iface); err != nil {
		return err
	}

	setup := fmt.Sprintf(
		"set wifi.interface %s; set wifi.handshakes.file %s; set wifi.deauth.open false; wifi.recon.channel %s",
		iface, filepath.Join(h.captureDir, "session.pcap"), h.cfg.ChannelsForBand(),
	)
	if err := h.engine.RunCommand(setup); err != nil {
		return fmt.Errorf("engine recon setup failed: %w", err)
	}
	if err := h.engine.RunCommand("wifi.recon on"); err != nil {
		return fmt.Errorf("engine recon start failed: %w", err)
	}

	h.iface = iface
	h.capturing = true
	h.log.Info().Str("iface", iface).Msg("passive capture started")
	return nil
}

// StopCapture disables recon and clears engine-side discovery state.
// With stopEngine it also terminates a spawned engine process.
func (h *WirelessHunter) StopCapture(stopEngine bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.capturing {
		if err := h.engine.RunCommand("wifi.recon off; wifi.clear"); err != nil {
			h.log.Warn().Err(err).Msg("engine recon stop failed")
		}
		h.capturing = false
	}
	if stopEngine {
		h.engine.Stop()
	}
	h.log.Info().Msg("capture stopped")
}

// GetTargets queries the engine's discovered APs, normalizes them and
// returns a signal-descending list. Engine trouble yields an empty list,
// never an error: an unreachable engine does not mean "no targets", and
// the caller's loop must keep running either way.
func (h *WirelessHunter) GetTargets() []WiFiTarget {
	session, err := h.engine.Session()
	if err != nil {
		h.log.Warn().Err(err).Msg("engine session query failed")
		return []WiFiTarget{}
	}

	now := time.Now()
	targets := make([]WiFiTarget, 0, len(session.WiFi.APs))
	for _, ap := range session.WiFi.APs {
		bssid := strings.ToUpper(ap.MAC)
		if h.whitelist[bssid] {
			continue
		}
		channel := ap.Channel
		if channel == 0 {
			channel = ChannelFromFrequency(ap.Frequency)
		}
		targets = append(targets, WiFiTarget{
			BSSID:             bssid,
			ESSID:             ap.Hostname,
			Channel:           channel,
			Encryption:        NormalizeEncryption(ap.Encryption),
			SignalMax:         ap.RSSI,
			SignalLast:        ap.RSSI,
			FirstSeen:         now,
			LastSeen:          now,
			ClientCount:       len(ap.Clients),
			HandshakeCaptured: ap.Handshake,
			PMKIDCaptured:     ap.PMKID,
		})
	}

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].SignalLast > targets[j].SignalLast
	})
	return targets
}

// GetClients returns the stations the engine currently associates with
// each AP, including their probed network names.
func (h *WirelessHunter) GetClients() []WiFiClient {
	session, err := h.engine.Session()
	if err != nil {
		h.log.Warn().Err(err).Msg("engine session query failed")
		return []WiFiClient{}
	}

	now := time.Now()
	var clients []WiFiClient
	for _, ap := range session.WiFi.APs {
		for _, st := range ap.Clients {
			clients = append(clients, WiFiClient{
				BSSID:        strings.ToUpper(ap.MAC),
				MAC:          strings.ToUpper(st.MAC),
				FirstSeen:    now,
				LastSeen:     now,
				Packets:      st.Received,
				ProbedESSIDs: st.Probes,
			})
		}
	}
	return clients
}

// Deauth issues count deauthentication commands against the AP/client
// pair, or against all the AP's clients when client is empty. Active and
// detectable: the mode manager gates this behind wifi_active.
func (h *WirelessHunter) Deauth(bssid, client string, count int) error {
	if bssid == "" {
		return fmt.Errorf("bssid is required")
	}
	if count <= 0 {
		count = 1
	}
	victim := bssid
	if client != "" {
		victim = client
	}
	for i := 0; i < count; i++ {
		if err := h.engine.RunCommand("wifi.deauth " + victim); err != nil {
			return fmt.Errorf("deauth command %d/%d failed: %w", i+1, count, err)
		}
		time.Sleep(h.deauthPause)
	}
	h.log.Info().Str("bssid", bssid).Str("client", client).Int("count", count).Msg("deauth sent")
	return nil
}

// CapturePMKID triggers a silent association against bssid, waits one
// settle period and re-checks engine state. A set PMKID flag produces an
// artifact and a handshake record; an unset one returns nil, nil.
func (h *WirelessHunter) CapturePMKID(bssid string) (*Handshake, error) {
	if bssid == "" {
		return nil, fmt.Errorf("bssid is required")
	}
	if err := h.engine.RunCommand("wifi.assoc " + bssid); err != nil {
		return nil, fmt.Errorf("association attempt failed: %w", err)
	}

	time.Sleep(h.pmkidSettle)

	ap := h.findAP(bssid)
	if ap == nil || !ap.PMKID {
		return nil, nil
	}
	return h.writeArtifact(HandshakePMKID, ap)
}

// CaptureHandshake polls for a four-way handshake against bssid until
// timeout, optionally deauthing first to force a client reconnection.
// Timing out returns nil, nil — "not captured" is not an error.
func (h *WirelessHunter) CaptureHandshake(bssid, client string, timeout time.Duration, deauth bool) (*Handshake, error) {
	if bssid == "" {
		return nil, fmt.Errorf("bssid is required")
	}
	if deauth {
		if err := h.Deauth(bssid, client, 3); err != nil {
			h.log.Warn().Err(err).Msg("pre-capture deauth failed, still listening")
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		if ap := h.findAP(bssid); ap != nil && ap.Handshake {
			return h.writeArtifact(HandshakeFourWay, ap)
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		time.Sleep(h.pollInterval)
	}
}

func (h *WirelessHunter) findAP(bssid string) *EngineAP {
	session, err := h.engine.Session()
	if err != nil {
		h.log.Warn().Err(err).Msg("engine session query failed")
		return nil
	}
	for i := range session.WiFi.APs {
		if strings.EqualFold(session.WiFi.APs[i].MAC, bssid) {
			return &session.WiFi.APs[i]
		}
	}
	return nil
}

// writeArtifact instructs the engine to dump the capture under a
// deterministic name and returns the matching handshake record.
func (h *WirelessHunter) writeArtifact(typ HandshakeType, ap *EngineAP) (*Handshake, error) {
	path := h.artifactPath(typ, ap.Hostname, ap.MAC)
	if err := h.engine.RunCommand(fmt.Sprintf("wifi.write %s %s", ap.MAC, path)); err != nil {
		h.log.Warn().Err(err).Msg("engine artifact write failed, keeping session capture path")
		path = filepath.Join(h.captureDir, "session.pcap")
	}
	return &Handshake{
		Type:       typ,
		BSSID:      strings.ToUpper(ap.MAC),
		ESSID:      ap.Hostname,
		Path:       path,
		CapturedAt: time.Now(),
	}, nil
}

func (h *WirelessHunter) artifactPath(typ HandshakeType, essid, bssid string) string {
	name := fmt.Sprintf("%s_%s_%s_%d.pcap",
		typ,
		sanitizeESSID(essid),
		strings.ToLower(strings.ReplaceAll(bssid, ":", "")),
		time.Now().Unix(),
	)
	return filepath.Join(h.captureDir, name)
}

// sanitizeESSID reduces a network name to a filesystem-safe token.
func sanitizeESSID(essid string) string {
	if essid == "" {
		return "hidden"
	}
	var b strings.Builder
	for _, r := range essid {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// DetectEvilTwin groups targets by network name and flags names served by
// BSSIDs from more than one vendor OUI. Multi-AP deployments sharing one
// vendor prefix are treated as legitimate. Heuristic only: a spoofed OUI
// evades it and unusual legitimate setups can trip it.
func (h *WirelessHunter) DetectEvilTwin(targets []WiFiTarget) []EvilTwinAlert {
	byESSID := make(map[string][]WiFiTarget)
	for _, t := range targets {
		if t.ESSID == "" {
			continue
		}
		byESSID[t.ESSID] = append(byESSID[t.ESSID], t)
	}

	var alerts []EvilTwinAlert
	for essid, group := range byESSID {
		if len(group) < 2 {
			continue
		}
		ouis := make(map[string]bool)
		for _, t := range group {
			ouis[OUI(t.BSSID)] = true
		}
		if len(ouis) < 2 {
			continue // same vendor, likely a multi-AP deployment
		}

		// Presume the strongest signal is the original and the first
		// BSSID with a differing OUI the rogue.
		sort.Slice(group, func(i, j int) bool {
			return group[i].SignalLast > group[j].SignalLast
		})
		original := group[0]
		for _, t := range group[1:] {
			if OUI(t.BSSID) != OUI(original.BSSID) {
				alerts = append(alerts, EvilTwinAlert{
					OriginalBSSID: original.BSSID,
					RogueBSSID:    t.BSSID,
					ESSID:         essid,
					DetectedAt:    time.Now(),
				})
				break
			}
		}
	}
	return alerts
}

// Survey aggregates targets per channel: AP count, signal stats, derived
// center frequency and a coarse congestion label.
func (h *WirelessHunter) Survey(targets []WiFiTarget) []ChannelSurvey {
	byChannel := make(map[int][]WiFiTarget)
	for _, t := range targets {
		if t.Channel <= 0 {
			continue
		}
		byChannel[t.Channel] = append(byChannel[t.Channel], t)
	}

	surveys := make([]ChannelSurvey, 0, len(byChannel))
	for ch, group := range byChannel {
		s := ChannelSurvey{
			Channel:      ch,
			Band:         BandForChannel(ch),
			FrequencyMHz: ChannelFrequency(ch),
			APCount:      len(group),
			MinSignal:    group[0].SignalLast,
			MaxSignal:    group[0].SignalLast,
		}
		sum := 0
		for _, t := range group {
			sum += t.SignalLast
			if t.SignalLast < s.MinSignal {
				s.MinSignal = t.SignalLast
			}
			if t.SignalLast > s.MaxSignal {
				s.MaxSignal = t.SignalLast
			}
		}
		s.AvgSignal = float64(sum) / float64(len(group))
		s.Congestion = congestionLabel(s.APCount)
		surveys = append(surveys, s)
	}

	sort.Slice(surveys, func(i, j int) bool { return surveys[i].Channel < surveys[j].Channel })
	return surveys
}

func congestionLabel(apCount int) string {
	switch {
	case apCount <= 3:
		return "low"
	case apCount <= 6:
		return "medium"
	case apCount <= 10:
		return "high"
	default:
		return "severe"
	}
}
