package src

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHunter struct {
	mu        sync.Mutex
	started   []string
	stopCalls int
	startErr  error
	targets   []WiFiTarget
	clients   []WiFiClient
	alerts    []EvilTwinAlert
	deauthed  []string
	deauthErr error
	pmkid     *Handshake
	pmkidErr  error
}

func (f *fakeHunter) StartPassiveCapture(iface string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, iface)
	return nil
}

func (f *fakeHunter) StopCapture(bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
}

func (f *fakeHunter) GetTargets() []WiFiTarget { return f.targets }
func (f *fakeHunter) GetClients() []WiFiClient { return f.clients }

func (f *fakeHunter) Deauth(bssid, client string, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deauthErr != nil {
		return f.deauthErr
	}
	f.deauthed = append(f.deauthed, bssid)
	return nil
}

func (f *fakeHunter) CapturePMKID(string) (*Handshake, error) {
	return f.pmkid, f.pmkidErr
}

func (f *fakeHunter) CaptureHandshake(string, string, time.Duration, bool) (*Handshake, error) {
	return nil, nil
}

func (f *fakeHunter) DetectEvilTwin([]WiFiTarget) []EvilTwinAlert { return f.alerts }

func (f *fakeHunter) Survey(targets []WiFiTarget) []ChannelSurvey {
	if len(targets) == 0 {
		return nil
	}
	return []ChannelSurvey{{Channel: 6, APCount: len(targets), Congestion: "low"}}
}

type fakeAdapters struct {
	mu        sync.Mutex
	adapters  []WirelessAdapter
	enableErr error
	enabled   []string
	disabled  []string
}

func (f *fakeAdapters) Detect(bool) ([]WirelessAdapter, error) {
	return append([]WirelessAdapter(nil), f.adapters...), nil
}

func (f *fakeAdapters) BestMonitorAdapter() *WirelessAdapter {
	if len(f.adapters) == 0 {
		return nil
	}
	return &f.adapters[0]
}

func (f *fakeAdapters) EnableMonitorMode(iface string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enableErr != nil {
		return "", f.enableErr
	}
	f.enabled = append(f.enabled, iface)
	return iface + "mon", nil
}

func (f *fakeAdapters) DisableMonitorMode(iface string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled = append(f.disabled, iface)
	return nil
}

type fakeBluetooth struct {
	devices []BluetoothDevice
}

func (f *fakeBluetooth) Scan(context.Context, time.Duration) ([]BluetoothDevice, error) {
	return f.devices, nil
}

func monitorCapableAdapter() WirelessAdapter {
	return WirelessAdapter{
		Interface:        "wlan0",
		Driver:           "rt2800usb",
		Chipset:          "Ralink RT2870/RT3070",
		MAC:              "AA:BB:CC:DD:EE:FF",
		MonitorCapable:   true,
		InjectionCapable: true,
		HWMode:           HWModeManaged,
	}
}

func newTestManager(t *testing.T, hunter WiFiHunter, adapters AdapterControl, bt BluetoothScanner) (*ModeManager, *Store, *EventBus) {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	store, err := NewStore(filepath.Join(t.TempDir(), "mode.db"), cfg.Retention)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := NewEventBus()
	return NewModeManager(cfg, store, hunter, adapters, bt, bus), store, bus
}

func TestSwitchModeIdempotent(t *testing.T) {
	hunter := &fakeHunter{}
	adapters := &fakeAdapters{}
	m, _, _ := newTestManager(t, hunter, adapters, nil)

	res := m.SwitchMode(ModePentest)
	assert.True(t, res.OK)
	assert.Contains(t, res.Message, "already in")
	assert.Empty(t, hunter.started, "no entry hook on a no-op switch")
	assert.Zero(t, hunter.stopCalls, "no exit hook on a no-op switch")
}

func TestSwitchModeRejectsUnknownMode(t *testing.T) {
	hunter := &fakeHunter{}
	m, _, _ := newTestManager(t, hunter, &fakeAdapters{}, nil)

	res := m.SwitchMode(Mode("warp_drive"))
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "unknown mode")
	assert.Equal(t, ModePentest, m.CurrentMode())
}

func TestSwitchModeFailsWithoutAdapter(t *testing.T) {
	hunter := &fakeHunter{}
	m, _, _ := newTestManager(t, hunter, &fakeAdapters{}, nil)

	res := m.SwitchMode(ModeWiFiPassive)
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "no monitor-capable wireless adapter")
	assert.Equal(t, ModePentest, m.CurrentMode(), "mode must be unchanged after a failed switch")
	assert.Empty(t, hunter.started)
}

func TestSwitchModeEstablishesWifiPassive(t *testing.T) {
	hunter := &fakeHunter{}
	adapters := &fakeAdapters{adapters: []WirelessAdapter{monitorCapableAdapter()}}
	m, _, bus := newTestManager(t, hunter, adapters, nil)

	var changes []ModeChange
	bus.Subscribe(EventModeChanged, func(_ EventKind, payload any) {
		changes = append(changes, payload.(ModeChange))
	})

	res := m.SwitchMode(ModeWiFiPassive)
	require.True(t, res.OK, res.Message)

	assert.Equal(t, []string{"wlan0"}, adapters.enabled)
	assert.Equal(t, []string{"wlan0mon"}, hunter.started)

	status := m.GetStatus()
	assert.Equal(t, ModeWiFiPassive, status.Mode)
	assert.Equal(t, "wlan0mon", status.Interface)
	assert.True(t, status.MonitorEnabled)

	require.Len(t, changes, 1)
	assert.Equal(t, ModeChange{From: ModePentest, To: ModeWiFiPassive}, changes[0])
}

func TestSwitchModeSkipsEnableWhenAlreadyMonitor(t *testing.T) {
	hunter := &fakeHunter{}
	ad := monitorCapableAdapter()
	ad.HWMode = HWModeMonitor
	adapters := &fakeAdapters{adapters: []WirelessAdapter{ad}}
	m, _, _ := newTestManager(t, hunter, adapters, nil)

	res := m.SwitchMode(ModeWiFiPassive)
	require.True(t, res.OK, res.Message)
	assert.Empty(t, adapters.enabled)
	assert.Equal(t, []string{"wlan0"}, hunter.started)
}

func TestSwitchModeRollsBackOnEntryFailure(t *testing.T) {
	hunter := &fakeHunter{}
	adapters := &fakeAdapters{adapters: []WirelessAdapter{monitorCapableAdapter()}}
	// No bluetooth collaborator wired in.
	m, _, _ := newTestManager(t, hunter, adapters, nil)

	require.True(t, m.SwitchMode(ModeWiFiPassive).OK)

	res := m.SwitchMode(ModeBluetooth)
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "bluetooth hunter not available")

	assert.Equal(t, ModeWiFiPassive, m.CurrentMode(), "previous mode must be restored")
	assert.Equal(t, 1, hunter.stopCalls, "exit hook ran once")
	assert.Len(t, hunter.started, 2, "capture restarted during rollback")
}

func TestSwitchModeCleansUpWhenCaptureStartFails(t *testing.T) {
	hunter := &fakeHunter{startErr: errors.New("engine did not come up")}
	adapters := &fakeAdapters{adapters: []WirelessAdapter{monitorCapableAdapter()}}
	m, _, _ := newTestManager(t, hunter, adapters, nil)

	res := m.SwitchMode(ModeWiFiPassive)
	assert.False(t, res.OK)
	assert.Equal(t, ModePentest, m.CurrentMode())
	assert.Contains(t, adapters.disabled, "wlan0mon", "failed entry must not leak a monitor interface")
}

func TestSwitchModeBluetoothWithCollaborator(t *testing.T) {
	hunter := &fakeHunter{}
	m, _, _ := newTestManager(t, hunter, &fakeAdapters{}, &fakeBluetooth{})

	res := m.SwitchMode(ModeBluetooth)
	assert.True(t, res.OK, res.Message)
	assert.Equal(t, ModeBluetooth, m.CurrentMode())
}

func TestWifiDeauthGatedOutsideActiveMode(t *testing.T) {
	hunter := &fakeHunter{}
	m, store, _ := newTestManager(t, hunter, &fakeAdapters{}, nil)

	res := m.WifiDeauth("AA:BB:CC:00:00:01", "", 3)
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "wifi_active")
	assert.Empty(t, hunter.deauthed, "gating must prevent any network action")

	var n int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM deauth_log").Scan(&n))
	assert.Zero(t, n)
}

func TestWifiDeauthRequiresBSSID(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeHunter{}, &fakeAdapters{}, nil)
	res := m.WifiDeauth("", "", 1)
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "bssid is required")
}

func TestWifiDeauthAuditsEveryExecutedAttempt(t *testing.T) {
	hunter := &fakeHunter{}
	adapters := &fakeAdapters{adapters: []WirelessAdapter{monitorCapableAdapter()}}
	m, store, _ := newTestManager(t, hunter, adapters, nil)
	require.True(t, m.SwitchMode(ModeWiFiActive).OK)

	res := m.WifiDeauth("AA:BB:CC:00:00:01", "11:22:33:00:00:01", 3)
	assert.True(t, res.OK, res.Message)

	hunter.deauthErr = errors.New("engine unreachable")
	res = m.WifiDeauth("AA:BB:CC:00:00:02", "", 2)
	assert.False(t, res.OK)

	rows, err := store.db.Query("SELECT bssid, success FROM deauth_log ORDER BY id")
	require.NoError(t, err)
	defer rows.Close()

	type entry struct {
		bssid   string
		success int
	}
	var entries []entry
	for rows.Next() {
		var e entry
		require.NoError(t, rows.Scan(&e.bssid, &e.success))
		entries = append(entries, e)
	}
	require.Len(t, entries, 2, "both the success and the failure are audited")
	assert.Equal(t, entry{"AA:BB:CC:00:00:01", 1}, entries[0])
	assert.Equal(t, entry{"AA:BB:CC:00:00:02", 0}, entries[1])
}

func TestWifiCapturePMKID(t *testing.T) {
	hunter := &fakeHunter{}
	adapters := &fakeAdapters{adapters: []WirelessAdapter{monitorCapableAdapter()}}
	m, store, bus := newTestManager(t, hunter, adapters, nil)

	res := m.WifiCapturePMKID("AA:BB:CC:00:00:01")
	assert.False(t, res.OK, "gated outside wifi_active")

	require.True(t, m.SwitchMode(ModeWiFiActive).OK)

	// Engine reports no PMKID: not-captured, not an error.
	res = m.WifiCapturePMKID("AA:BB:CC:00:00:01")
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "no PMKID obtained")

	var events []Handshake
	bus.Subscribe(EventHandshake, func(_ EventKind, payload any) {
		events = append(events, payload.(Handshake))
	})

	hunter.pmkid = &Handshake{
		Type: HandshakePMKID, BSSID: "AA:BB:CC:00:00:01", ESSID: "Cafe",
		Path: "/captures/pmkid_Cafe_aabbcc000001_1700000000.pcap", CapturedAt: time.Now(),
	}
	res = m.WifiCapturePMKID("AA:BB:CC:00:00:01")
	assert.True(t, res.OK, res.Message)

	hss, err := store.GetHandshakes(10)
	require.NoError(t, err)
	require.Len(t, hss, 1)
	assert.Equal(t, HandshakePMKID, hss[0].Type)

	require.Len(t, events, 1)
	assert.Equal(t, "AA:BB:CC:00:00:01", events[0].BSSID)
	assert.Equal(t, 1, m.GetStatus().CapturesToday)
}

func TestWifiSurveyRequiresWifiMode(t *testing.T) {
	hunter := &fakeHunter{targets: []WiFiTarget{{BSSID: "AA:BB:CC:00:00:01", Channel: 6}}}
	adapters := &fakeAdapters{adapters: []WirelessAdapter{monitorCapableAdapter()}}
	m, _, _ := newTestManager(t, hunter, adapters, nil)

	_, res := m.WifiSurvey()
	assert.False(t, res.OK)

	require.True(t, m.SwitchMode(ModeWiFiPassive).OK)
	surveys, res := m.WifiSurvey()
	assert.True(t, res.OK, res.Message)
	require.Len(t, surveys, 1)
	assert.Equal(t, 6, surveys[0].Channel)
}

func TestWifiTickPersistsTargetsAndAlertsOnce(t *testing.T) {
	now := time.Now()
	hunter := &fakeHunter{
		targets: []WiFiTarget{
			{BSSID: "AA:BB:CC:00:00:01", ESSID: "Cafe", Channel: 6, Encryption: EncWPA2,
				SignalMax: -40, SignalLast: -40, FirstSeen: now, LastSeen: now},
			{BSSID: "11:22:33:00:00:01", ESSID: "Cafe", Channel: 6, Encryption: EncWPA2,
				SignalMax: -60, SignalLast: -60, FirstSeen: now, LastSeen: now},
		},
		clients: []WiFiClient{
			{BSSID: "AA:BB:CC:00:00:01", MAC: "DD:EE:FF:00:00:01", FirstSeen: now, LastSeen: now,
				Packets: 5, ProbedESSIDs: []string{"HomeNet"}},
		},
		alerts: []EvilTwinAlert{
			{OriginalBSSID: "AA:BB:CC:00:00:01", RogueBSSID: "11:22:33:00:00:01",
				ESSID: "Cafe", DetectedAt: now},
		},
	}
	adapters := &fakeAdapters{adapters: []WirelessAdapter{monitorCapableAdapter()}}
	m, store, bus := newTestManager(t, hunter, adapters, nil)
	require.True(t, m.SwitchMode(ModeWiFiPassive).OK)

	var twinEvents int
	bus.Subscribe(EventEvilTwin, func(EventKind, any) { twinEvents++ })

	m.wifiTick()
	m.wifiTick()

	tgt, err := store.GetTarget("AA:BB:CC:00:00:01")
	require.NoError(t, err)
	require.NotNil(t, tgt)
	assert.Equal(t, "Cafe", tgt.ESSID)

	clients, err := store.GetClients("AA:BB:CC:00:00:01", 10)
	require.NoError(t, err)
	require.Len(t, clients, 1)

	alerts, err := store.ActiveEvilTwinAlerts(10)
	require.NoError(t, err)
	require.Len(t, alerts, 1, "the same rogue pair must not produce duplicate alerts")
	assert.Equal(t, 1, twinEvents, "only a newly created alert is published")

	status := m.GetStatus()
	assert.Equal(t, 2, status.TargetsFound)
	assert.False(t, status.LastActivity.IsZero())
}

func TestWifiTickRecordsPassiveCaptures(t *testing.T) {
	now := time.Now()
	hunter := &fakeHunter{
		targets: []WiFiTarget{
			{BSSID: "AA:BB:CC:00:00:01", ESSID: "Cafe", Channel: 6, Encryption: EncWPA2,
				SignalMax: -40, SignalLast: -40, FirstSeen: now, LastSeen: now,
				HandshakeCaptured: true},
		},
	}
	adapters := &fakeAdapters{adapters: []WirelessAdapter{monitorCapableAdapter()}}
	m, store, bus := newTestManager(t, hunter, adapters, nil)
	require.True(t, m.SwitchMode(ModeWiFiPassive).OK)

	var captures int
	bus.Subscribe(EventHandshake, func(EventKind, any) { captures++ })

	m.wifiTick()
	m.wifiTick()

	hss, err := store.GetHandshakes(10)
	require.NoError(t, err)
	require.Len(t, hss, 1, "a sticky engine flag must be recorded exactly once")
	assert.Equal(t, HandshakeFourWay, hss[0].Type)
	assert.Equal(t, 1, captures)
	assert.Equal(t, 1, m.GetStatus().CapturesToday)
}

func TestBluetoothTickPublishesPerDevice(t *testing.T) {
	bt := &fakeBluetooth{devices: []BluetoothDevice{
		{MAC: "AA:AA:AA:00:00:01", Name: "Headset", RSSI: -50},
		{MAC: "AA:AA:AA:00:00:02", Name: "Watch", RSSI: -70},
	}}
	m, _, bus := newTestManager(t, &fakeHunter{}, &fakeAdapters{}, bt)
	require.True(t, m.SwitchMode(ModeBluetooth).OK)

	var seen []BluetoothDevice
	bus.Subscribe(EventBluetoothDevice, func(_ EventKind, payload any) {
		seen = append(seen, payload.(BluetoothDevice))
	})

	m.bluetoothTick()
	assert.Len(t, seen, 2)
}

func TestStopRunsExitHookAfterTickDrains(t *testing.T) {
	hunter := &fakeHunter{}
	adapters := &fakeAdapters{adapters: []WirelessAdapter{monitorCapableAdapter()}}
	m, _, _ := newTestManager(t, hunter, adapters, nil)

	m.Start()
	require.True(t, m.SwitchMode(ModeWiFiPassive).OK)
	m.Stop()

	assert.Equal(t, 1, hunter.stopCalls)
	assert.Contains(t, adapters.disabled, "wlan0mon")

	select {
	case <-m.tickDone:
	default:
		t.Fatal("tick loop still running after Stop")
	}
}
