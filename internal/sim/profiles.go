package sim

import (
	"math"
	"math/rand"
	"time"
)

// Profile describes one device category: how it is presented at registration
// and how its synthetic telemetry looks.
type Profile struct {
	Slug        string
	Name        string
	Description string
	DefaultName string
	// MinInterval and MaxInterval bound the emission cadence in seconds.
	MinInterval int
	MaxInterval int
	Generate    func(rng *rand.Rand, ts time.Time, seq int) map[string]any
}

// Profiles indexes every known category by slug.
var Profiles = map[string]Profile{
	"weather_station": {
		Slug:        "weather_station",
		Name:        "Weather station",
		Description: "Outdoor weather station with wind, rain and UV metrics.",
		DefaultName: "Weather station",
		MinInterval: 15,
		MaxInterval: 45,
		Generate:    weatherStation,
	},
	"indoor_thermometer": {
		Slug:        "indoor_thermometer",
		Name:        "Indoor thermometer",
		Description: "Monitors temperature and humidity inside a room.",
		DefaultName: "Living room thermometer",
		MinInterval: 30,
		MaxInterval: 90,
		Generate:    indoorThermometer,
	},
	"ip_camera": {
		Slug:        "ip_camera",
		Name:        "IP camera",
		Description: "Network camera with motion detection and bitrate statistics.",
		DefaultName: "Entrance camera",
		MinInterval: 10,
		MaxInterval: 25,
		Generate:    ipCamera,
	},
	"air_quality": {
		Slug:        "air_quality",
		Name:        "Air quality sensor",
		Description: "Tracks particulate matter, CO2 and VOC levels indoors.",
		DefaultName: "Office air monitor",
		MinInterval: 45,
		MaxInterval: 120,
		Generate:    airQuality,
	},
	"smart_lock": {
		Slug:        "smart_lock",
		Name:        "Smart lock",
		Description: "Controls door access and reports tamper events and battery.",
		DefaultName: "Entry lock",
		MinInterval: 60,
		MaxInterval: 180,
		Generate:    smartLock,
	},
}

// Lookup returns the profile for slug, falling back to weather_station for
// categories registered before a profile existed.
func Lookup(slug string) Profile {
	if p, ok := Profiles[slug]; ok {
		return p
	}
	return Profiles["weather_station"]
}

// Known reports whether slug names a registered category.
func Known(slug string) bool {
	_, ok := Profiles[slug]
	return ok
}

func round(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}

func weatherStation(rng *rand.Rand, ts time.Time, seq int) map[string]any {
	baseTemp := 18 + 6*math.Sin(float64(seq)/4.0)
	return map[string]any{
		"metrics": map[string]any{
			"temperature_c": round(baseTemp+uniform(rng, -1.2, 1.2), 2),
			"humidity_pct":  round(50+20*math.Sin(float64(seq)/5.0)+uniform(rng, -5, 5), 1),
			"wind_speed_ms": round(math.Abs(rng.NormFloat64()*1.1+3.5), 2),
			"pressure_hpa":  round(1008+uniform(rng, -6.0, 6.0), 1),
			"rainfall_mm":   round(math.Max(0, rng.NormFloat64()*0.3+0.4), 2),
			"uv_index":      round(math.Max(0, rng.NormFloat64()*1.2+3.5), 1),
		},
		"status":    "outdoor",
		"timestamp": ts.Format(time.RFC3339),
	}
}

func indoorThermometer(rng *rand.Rand, ts time.Time, seq int) map[string]any {
	baseTemp := 22.0 + math.Sin(float64(seq)/8.0)
	humidity := 40 + 10*math.Cos(float64(seq)/6.0) + uniform(rng, -2, 2)
	return map[string]any{
		"metrics": map[string]any{
			"temperature_c": round(baseTemp+uniform(rng, -0.6, 0.6), 2),
			"humidity_pct":  round(humidity, 1),
			"comfort_index": round(0.81*humidity+0.01*humidity*(baseTemp-14.3)+46.3, 2),
		},
		"status":    "indoor",
		"timestamp": ts.Format(time.RFC3339),
	}
}

func ipCamera(rng *rand.Rand, ts time.Time, seq int) map[string]any {
	motion := rng.Float64() < 0.15
	status := "idle"
	if motion {
		status = "motion_detected"
	}
	return map[string]any{
		"metrics": map[string]any{
			"bitrate_mbps":    round(4.5+uniform(rng, -0.8, 1.2), 2),
			"latency_ms":      round(90+uniform(rng, -20, 30), 1),
			"packet_loss_pct": round(math.Max(0, rng.NormFloat64()*0.1+0.25), 2),
		},
		"status":         status,
		"snapshot_taken": motion,
		"timestamp":      ts.Format(time.RFC3339),
	}
}

func airQuality(rng *rand.Rand, ts time.Time, seq int) map[string]any {
	basePM := 12 + 4*math.Sin(float64(seq)/7.0)
	return map[string]any{
		"metrics": map[string]any{
			"pm2_5":   round(math.Max(4.0, basePM+uniform(rng, -2.5, 2.5)), 1),
			"pm10":    round(math.Max(7.0, basePM*1.4+uniform(rng, -3.5, 3.5)), 1),
			"co2_ppm": round(420+uniform(rng, -35, 45), 0),
			"voc_ppb": math.Round(math.Max(150, rng.NormFloat64()*60+320)),
		},
		"status":    "good",
		"timestamp": ts.Format(time.RFC3339),
	}
}

func smartLock(rng *rand.Rand, ts time.Time, seq int) map[string]any {
	status := "locked"
	var lastAction map[string]any
	if rng.Float64() < 0.2 {
		status = "unlocked"
		users := []string{"Operator", "Maintenance", "Courier"}
		methods := []string{"smartphone", "pin", "nfc"}
		lastAction = map[string]any{
			"user":      users[rng.Intn(len(users))],
			"method":    methods[rng.Intn(len(methods))],
			"timestamp": ts.Format(time.RFC3339),
		}
	}
	return map[string]any{
		"status":       status,
		"battery_pct":  round(math.Max(20.0, 95.0-float64(seq)*uniform(rng, 0.05, 0.2)), 1),
		"jam_detected": rng.Float64() < 0.02,
		"last_action":  lastAction,
		"timestamp":    ts.Format(time.RFC3339),
	}
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
