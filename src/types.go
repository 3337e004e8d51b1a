package src

import (
	"fmt"
	"strings"
	"time"
)

// Mode is the top-level operational mode of the device.
type Mode string

const (
	ModePentest     Mode = "pentest"
	ModeWiFiPassive Mode = "wifi_passive"
	ModeWiFiActive  Mode = "wifi_active"
	ModeBluetooth   Mode = "bluetooth"
	ModeIdle        Mode = "idle"
)

// ParseMode validates a caller-supplied mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePentest:
		return ModePentest, nil
	case ModeWiFiPassive:
		return ModeWiFiPassive, nil
	case ModeWiFiActive:
		return ModeWiFiActive, nil
	case ModeBluetooth:
		return ModeBluetooth, nil
	case ModeIdle:
		return ModeIdle, nil
	}
	return "", fmt.Errorf("unknown mode %q (valid: pentest, wifi_passive, wifi_active, bluetooth, idle)", s)
}

// AdapterHWMode is the hardware operating mode reported by the driver.
type AdapterHWMode string

const (
	HWModeManaged AdapterHWMode = "managed"
	HWModeMonitor AdapterHWMode = "monitor"
	HWModeAP      AdapterHWMode = "ap"
	HWModeUnknown AdapterHWMode = "unknown"
)

// Band is a radio frequency band.
type Band string

const (
	Band24GHz Band = "2.4GHz"
	Band5GHz  Band = "5GHz"
)

// Encryption is the normalized encryption class of an access point.
type Encryption string

const (
	EncOpen    Encryption = "open"
	EncWEP     Encryption = "wep"
	EncWPA     Encryption = "wpa"
	EncWPA2    Encryption = "wpa2"
	EncWPA3    Encryption = "wpa3"
	EncUnknown Encryption = "unknown"
)

// NormalizeEncryption maps the engine's free-form encryption string onto a class.
func NormalizeEncryption(raw string) Encryption {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case s == "" || s == "NONE" || s == "OPEN":
		return EncOpen
	case strings.Contains(s, "WPA3") || strings.Contains(s, "SAE"):
		return EncWPA3
	case strings.Contains(s, "WPA2") || strings.Contains(s, "RSN"):
		return EncWPA2
	case strings.Contains(s, "WPA"):
		return EncWPA
	case strings.Contains(s, "WEP"):
		return EncWEP
	}
	return EncUnknown
}

// WirelessAdapter describes one wireless interface and its capabilities.
// Rebuilt on every detection pass, never persisted.
type WirelessAdapter struct {
	Interface        string
	Driver           string
	Chipset          string
	MAC              string
	MonitorCapable   bool
	InjectionCapable bool
	Bands            []Band
	Connected        bool
	HWMode           AdapterHWMode
	Phy              string
}

// WiFiTarget is a discovered access point, keyed by BSSID.
type WiFiTarget struct {
	BSSID             string
	ESSID             string
	Channel           int
	Encryption        Encryption
	SignalMax         int
	SignalLast        int
	FirstSeen         time.Time
	LastSeen          time.Time
	ClientCount       int
	HandshakeCaptured bool
	PMKIDCaptured     bool
	Notes             string
}

// WiFiClient is a station associated with (or probing near) a target,
// keyed by (BSSID, MAC).
type WiFiClient struct {
	BSSID        string
	MAC          string
	FirstSeen    time.Time
	LastSeen     time.Time
	Packets      int
	ProbedESSIDs []string
}

// HandshakeType distinguishes the two kinds of capturable key material.
type HandshakeType string

const (
	HandshakeFourWay HandshakeType = "fourway"
	HandshakePMKID   HandshakeType = "pmkid"
)

// Handshake is a captured authentication artifact.
type Handshake struct {
	ID           int64
	Type         HandshakeType
	BSSID        string
	ESSID        string
	Path         string
	CapturedAt   time.Time
	Cracked      bool
	Password     string
	CrackSeconds int
}

// DeauthAttempt is one entry in the append-only attack audit log.
type DeauthAttempt struct {
	ID        int64
	BSSID     string
	ClientMAC string
	Packets   int
	Success   bool
	At        time.Time
}

// EvilTwinAlert records a suspected rogue duplicate of a known network.
type EvilTwinAlert struct {
	ID            int64
	OriginalBSSID string
	RogueBSSID    string
	ESSID         string
	DetectedAt    time.Time
	Dismissed     bool
}

// ModeState is the live operational state. Exactly one instance exists;
// it is replaced wholesale on every successful mode switch.
type ModeState struct {
	Mode           Mode
	EnteredAt      time.Time
	Interface      string
	MonitorEnabled bool
	TargetsFound   int
	CapturesToday  int
	LastActivity   time.Time
}

// Result is the structured outcome returned on the consumer surface.
// Message is human-readable and suitable for direct display.
type Result struct {
	OK      bool
	Message string
}

func ok(format string, args ...any) Result {
	return Result{OK: true, Message: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) Result {
	return Result{OK: false, Message: fmt.Sprintf(format, args...)}
}

// ChannelSurvey is the per-channel aggregate produced by WifiSurvey.
type ChannelSurvey struct {
	Channel      int
	Band         Band
	FrequencyMHz int
	APCount      int
	AvgSignal    float64
	MinSignal    int
	MaxSignal    int
	Congestion   string
}

// BluetoothDevice is reported by the optional sibling bluetooth hunter.
type BluetoothDevice struct {
	MAC  string
	Name string
	RSSI int
}

// Engine wire types, matching the control API's JSON.

type EngineCommand struct {
	Cmd string `json:"cmd"`
}

type EngineStation struct {
	MAC      string   `json:"mac"`
	RSSI     int      `json:"rssi"`
	Vendor   string   `json:"vendor"`
	Received int      `json:"received"`
	Probes   []string `json:"probes"`
}

type EngineAP struct {
	MAC        string          `json:"mac"`
	Hostname   string          `json:"hostname"`
	Frequency  int             `json:"frequency"`
	RSSI       int             `json:"rssi"`
	Channel    int             `json:"channel"`
	Encryption string          `json:"encryption"`
	Handshake  bool            `json:"handshake"`
	PMKID      bool            `json:"pmkid"`
	Clients    []EngineStation `json:"clients"`
}

type EngineSession struct {
	WiFi struct {
		APs []EngineAP `json:"aps"`
	} `json:"wifi"`
}

// ChannelFrequency returns the center frequency in MHz for a channel,
// inverting the same arithmetic used to derive channels from frequencies.
func ChannelFrequency(channel int) int {
	if channel <= 0 {
		return 0
	}
	if channel <= 14 {
		if channel == 14 {
			return 2484
		}
		return 2412 + (channel-1)*5
	}
	return 5000 + channel*5
}

// ChannelFromFrequency derives the channel number from a frequency in MHz.
func ChannelFromFrequency(freq int) int {
	switch {
	case freq <= 0:
		return 0
	case freq == 2484:
		return 14
	case freq < 3000:
		return (freq-2412)/5 + 1
	default:
		return (freq - 5000) / 5
	}
}

// BandForChannel maps a channel number onto its band.
func BandForChannel(channel int) Band {
	if channel > 0 && channel <= 14 {
		return Band24GHz
	}
	return Band5GHz
}

// OUI returns the vendor organization prefix (first three octets) of a
// hardware address, upper-cased.
func OUI(mac string) string {
	parts := strings.Split(mac, ":")
	if len(parts) < 3 {
		return strings.ToUpper(mac)
	}
	return strings.ToUpper(strings.Join(parts[:3], ":"))
}
