package automationengine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hearthctl/hub/domain/automation"
)

// ensureSolarForDay recomputes sunrise/sunset once per calendar day, per
// §4.2's "Recomputed on first tick each day."
func (e *Engine) ensureSolarForDay(now time.Time) {
	e.solarMu.Lock()
	defer e.solarMu.Unlock()
	day := now.YearDay()
	if day == e.solarDay {
		return
	}
	e.solarDay = day
	e.sunriseHHMM, e.sunsetHHMM = solarTimes(e.loc, day)
}

func (e *Engine) sunTarget(trig automation.Trigger) string {
	e.solarMu.Lock()
	sunrise, sunset := e.sunriseHHMM, e.sunsetHHMM
	e.solarMu.Unlock()

	var base string
	switch trig.Event {
	case automation.SunEventSunrise:
		base = sunrise
	case automation.SunEventSunset:
		base = sunset
	default:
		return ""
	}
	if base == "" {
		return ""
	}
	if trig.Offset == "" {
		return normalizeHHMM(base)
	}
	return applyOffset(base, trig.Offset)
}

// solarTimes computes today's sunrise/sunset as local "HH:MM:SS" using the
// NOAA simplified solar position formula, per §4.2. Polar regions, where
// the hour-angle cosine falls outside [-1, 1], degrade to the fixed
// "00:00:00" (sun never rises) / "23:59:59" (sun never sets) sentinels.
func solarTimes(loc Location, dayOfYear int) (sunriseHHMM, sunsetHHMM string) {
	const degToRad = math.Pi / 180
	const radToDeg = 180 / math.Pi

	gamma := 2 * math.Pi / 365 * float64(dayOfYear-1)

	eqTime := 229.18 * (0.000075 +
		0.001868*math.Cos(gamma) - 0.032077*math.Sin(gamma) -
		0.014615*math.Cos(2*gamma) - 0.040849*math.Sin(2*gamma))

	decl := 0.006918 -
		0.399912*math.Cos(gamma) + 0.070257*math.Sin(gamma) -
		0.006758*math.Cos(2*gamma) + 0.000907*math.Sin(2*gamma) -
		0.002697*math.Cos(3*gamma) + 0.00148*math.Sin(3*gamma)

	latRad := loc.Latitude * degToRad
	zenith := 90.833 * degToRad

	cosHA := math.Cos(zenith)/(math.Cos(latRad)*math.Cos(decl)) - math.Tan(latRad)*math.Tan(decl)

	if math.Abs(cosHA) > 1 {
		// Polar day or polar night: no real crossing exists, degrade to
		// the full-day bounds.
		return "00:00:00", "23:59:59"
	}
	// fallthrough computes ordinary sunrise/sunset below.

	haDeg := math.Acos(cosHA) * radToDeg

	solarNoonUTCMin := 720 - 4*loc.Longitude - eqTime
	sunriseUTCMin := solarNoonUTCMin - 4*haDeg
	sunsetUTCMin := solarNoonUTCMin + 4*haDeg

	localSunrise := sunriseUTCMin + loc.TimezoneOffset*60
	localSunset := sunsetUTCMin + loc.TimezoneOffset*60

	return minutesToHHMMSS(localSunrise), minutesToHHMMSS(localSunset)
}

// minutesToHHMMSS renders a minutes-from-midnight value as "HH:MM:SS",
// wrapping into [0, 1440).
func minutesToHHMMSS(minutes float64) string {
	m := math.Mod(minutes, 1440)
	if m < 0 {
		m += 1440
	}
	h := int(m) / 60
	min := int(m) % 60
	return fmt.Sprintf("%02d:%02d:00", h, min)
}

// minutesToHHMM is minutesToHHMMSS truncated to minute precision, the form
// apply_offset and the engine's time-boundary comparisons use.
func minutesToHHMM(minutes float64) string {
	return normalizeHHMM(minutesToHHMMSS(minutes))
}

// applyOffset shifts an "HH:MM:SS" time by a signed "±HH:MM:SS" offset,
// wrapping across midnight, and returns the result as "HH:MM" (§8 scenario
// 4: apply_offset("18:00:00", "-00:30:00") -> "17:30").
func applyOffset(base, offset string) string {
	baseSec, ok := hhmmssToSeconds(base)
	if !ok {
		return base
	}
	offSec, ok := signedHHMMSSToSeconds(offset)
	if !ok {
		return minutesToHHMM(float64(baseSec) / 60)
	}
	total := baseSec + offSec
	const day = 24 * 3600
	total %= day
	if total < 0 {
		total += day
	}
	return minutesToHHMM(float64(total) / 60)
}

func hhmmssToSeconds(s string) (int, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, e1 := strconv.Atoi(parts[0])
	m, e2 := strconv.Atoi(parts[1])
	sec, e3 := strconv.Atoi(parts[2])
	if e1 != nil || e2 != nil || e3 != nil {
		return 0, false
	}
	return h*3600 + m*60 + sec, true
}

func signedHHMMSSToSeconds(s string) (int, bool) {
	neg := strings.HasPrefix(s, "-")
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "-"), "+")
	sec, ok := hhmmssToSeconds(trimmed)
	if !ok {
		return 0, false
	}
	if neg {
		return -sec, true
	}
	return sec, true
}
