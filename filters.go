package vireo

import "sync"

// EqualizerBand is one of the 15 Lavalink-style equalizer bands.
type EqualizerBand struct {
	Band int     `json:"band"`
	Gain float64 `json:"gain"`
}

// Karaoke attenuates a frequency range, typically used to remove vocals.
type Karaoke struct {
	Level       float64 `json:"level"`
	MonoLevel   float64 `json:"monoLevel"`
	FilterBand  float64 `json:"filterBand"`
	FilterWidth float64 `json:"filterWidth"`
}

// Timescale changes playback speed, pitch, and rate independently.
type Timescale struct {
	Speed float64 `json:"speed"`
	Pitch float64 `json:"pitch"`
	Rate  float64 `json:"rate"`
}

// Tremolo oscillates volume.
type Tremolo struct {
	Frequency float64 `json:"frequency"`
	Depth     float64 `json:"depth"`
}

// Vibrato oscillates pitch.
type Vibrato struct {
	Frequency float64 `json:"frequency"`
	Depth     float64 `json:"depth"`
}

// Rotation simulates audio panning around the listener (used for the 8D preset).
type Rotation struct {
	RotationHz float64 `json:"rotationHz"`
}

// Distortion applies waveform distortion.
type Distortion struct {
	SinOffset float64 `json:"sinOffset"`
	SinScale  float64 `json:"sinScale"`
	CosOffset float64 `json:"cosOffset"`
	CosScale  float64 `json:"cosScale"`
	TanOffset float64 `json:"tanOffset"`
	TanScale  float64 `json:"tanScale"`
	Offset    float64 `json:"offset"`
	Scale     float64 `json:"scale"`
}

// ChannelMix blends left/right channels.
type ChannelMix struct {
	LeftToLeft   float64 `json:"leftToLeft"`
	LeftToRight  float64 `json:"leftToRight"`
	RightToLeft  float64 `json:"rightToLeft"`
	RightToRight float64 `json:"rightToRight"`
}

// LowPass attenuates high frequencies.
type LowPass struct {
	Smoothing float64 `json:"smoothing"`
}

// FilterPayload is the wire shape pushed as the "filters" field of an
// updatePlayer call — a single JSON object, since the node contract does not
// support partial filter updates (§4.4).
type FilterPayload struct {
	Volume     *float64        `json:"volume,omitempty"`
	Equalizer  []EqualizerBand `json:"equalizer,omitempty"`
	Karaoke    *Karaoke        `json:"karaoke,omitempty"`
	Timescale  *Timescale      `json:"timescale,omitempty"`
	Tremolo    *Tremolo        `json:"tremolo,omitempty"`
	Vibrato    *Vibrato        `json:"vibrato,omitempty"`
	Rotation   *Rotation       `json:"rotation,omitempty"`
	Distortion *Distortion     `json:"distortion,omitempty"`
	ChannelMix *ChannelMix     `json:"channelMix,omitempty"`
	LowPass    *LowPass        `json:"lowPass,omitempty"`
}

const equalizerBands = 15

// Filters holds the primitive filter blocks for one player and the derived
// toggles expressed in terms of them (§4.4). All mutators schedule a full
// filters payload via onChange.
type Filters struct {
	mu sync.Mutex

	volume     *float64
	equalizer  map[int]float64
	karaoke    *Karaoke
	timescale  *Timescale
	tremolo    *Tremolo
	vibrato    *Vibrato
	rotation   *Rotation
	distortion *Distortion
	channelMix *ChannelMix
	lowPass    *LowPass

	onChange func(FilterPayload)
}

// NewFilters constructs an empty Filters. onChange is invoked with the full
// payload every time a primitive or preset mutates state.
func NewFilters(onChange func(FilterPayload)) *Filters {
	if onChange == nil {
		onChange = func(FilterPayload) {}
	}
	return &Filters{equalizer: map[int]float64{}, onChange: onChange}
}

func (f *Filters) fireLocked() {
	f.onChange(f.payloadLocked())
}

func (f *Filters) payloadLocked() FilterPayload {
	p := FilterPayload{
		Volume:     f.volume,
		Karaoke:    f.karaoke,
		Timescale:  f.timescale,
		Tremolo:    f.tremolo,
		Vibrato:    f.vibrato,
		Rotation:   f.rotation,
		Distortion: f.distortion,
		ChannelMix: f.channelMix,
		LowPass:    f.lowPass,
	}
	if len(f.equalizer) > 0 {
		for band := 0; band < equalizerBands; band++ {
			if gain, ok := f.equalizer[band]; ok {
				p.Equalizer = append(p.Equalizer, EqualizerBand{Band: band, Gain: gain})
			}
		}
	}
	return p
}

// Payload returns the current full filters payload.
func (f *Filters) Payload() FilterPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloadLocked()
}

// SetEqualizerBand sets one band (0-14) to a gain in [-0.25, 1.0].
func (f *Filters) SetEqualizerBand(band int, gain float64) error {
	if band < 0 || band >= equalizerBands {
		return New(KindValidation, "Filters.SetEqualizerBand", nil)
	}
	if gain < -0.25 || gain > 1.0 {
		return New(KindValidation, "Filters.SetEqualizerBand", nil)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.equalizer[band] = gain
	f.fireLocked()
	return nil
}

// SetKaraoke replaces the karaoke block (nil clears it).
func (f *Filters) SetKaraoke(k *Karaoke) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.karaoke = k
	f.fireLocked()
}

// SetTimescale replaces the timescale block (nil clears it).
func (f *Filters) SetTimescale(t *Timescale) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timescale = t
	f.fireLocked()
}

// SetTremolo replaces the tremolo block (nil clears it).
func (f *Filters) SetTremolo(t *Tremolo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tremolo = t
	f.fireLocked()
}

// SetVibrato replaces the vibrato block (nil clears it).
func (f *Filters) SetVibrato(v *Vibrato) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vibrato = v
	f.fireLocked()
}

// SetRotation replaces the rotation block (nil clears it).
func (f *Filters) SetRotation(r *Rotation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotation = r
	f.fireLocked()
}

// SetDistortion replaces the distortion block (nil clears it).
func (f *Filters) SetDistortion(d *Distortion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.distortion = d
	f.fireLocked()
}

// SetChannelMix replaces the channelMix block (nil clears it).
func (f *Filters) SetChannelMix(c *ChannelMix) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channelMix = c
	f.fireLocked()
}

// SetLowPass replaces the lowPass block (nil clears it).
func (f *Filters) SetLowPass(l *LowPass) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lowPass = l
	f.fireLocked()
}

// Clear resets every primitive filter.
func (f *Filters) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volume = nil
	f.equalizer = map[int]float64{}
	f.karaoke = nil
	f.timescale = nil
	f.tremolo = nil
	f.vibrato = nil
	f.rotation = nil
	f.distortion = nil
	f.channelMix = nil
	f.lowPass = nil
	f.fireLocked()
}

// Bassboost applies v in [0,5] across all 15 bands via
// (v-1)*(1.25/9) - 0.25, per §4.4.
func (f *Filters) Bassboost(v float64) error {
	if v < 0 || v > 5 {
		return New(KindValidation, "Filters.Bassboost", nil)
	}
	gain := (v-1)*(1.25/9) - 0.25
	f.mu.Lock()
	defer f.mu.Unlock()
	for band := 0; band < equalizerBands; band++ {
		f.equalizer[band] = gain
	}
	f.fireLocked()
	return nil
}

// Nightcore toggles a timescale preset with the given rate (default 1.5).
// Mutually exclusive with Vaporwave.
func (f *Filters) Nightcore(enable bool, rate float64) {
	if rate <= 0 {
		rate = 1.5
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !enable {
		f.timescale = nil
	} else {
		f.timescale = &Timescale{Speed: 1.0, Pitch: 1.0, Rate: rate}
	}
	f.fireLocked()
}

// Vaporwave toggles a timescale preset with the given pitch (default 0.5).
// Mutually exclusive with Nightcore.
func (f *Filters) Vaporwave(enable bool, pitch float64) {
	if pitch <= 0 {
		pitch = 0.5
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !enable {
		f.timescale = nil
	} else {
		f.timescale = &Timescale{Speed: 1.0, Pitch: pitch, Rate: 1.0}
	}
	f.fireLocked()
}

// EightD toggles the "8D audio" rotation preset (default 0.2Hz).
func (f *Filters) EightD(enable bool, rotationHz float64) {
	if rotationHz <= 0 {
		rotationHz = 0.2
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !enable {
		f.rotation = nil
	} else {
		f.rotation = &Rotation{RotationHz: rotationHz}
	}
	f.fireLocked()
}

// Slowmode is a gentle slowdown preset, the inverse extreme of nightcore.
func (f *Filters) Slowmode(enable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !enable {
		f.timescale = nil
	} else {
		f.timescale = &Timescale{Speed: 0.8, Pitch: 0.8, Rate: 1.0}
	}
	f.fireLocked()
}

// presets are named bundles that clear current filters and apply a fixed
// combination (§4.4). Unknown names are a validation error.
var presets = map[string]func(*Filters){
	"gaming": func(f *Filters) {
		for band := 0; band < equalizerBands; band++ {
			f.equalizer[band] = 0.1
		}
	},
	"lofi": func(f *Filters) {
		f.timescale = &Timescale{Speed: 0.9, Pitch: 0.95, Rate: 1.0}
		f.lowPass = &LowPass{Smoothing: 15}
	},
	"party": func(f *Filters) {
		f.timescale = &Timescale{Speed: 1.1, Pitch: 1.0, Rate: 1.0}
		for band := 0; band < 5; band++ {
			f.equalizer[band] = 0.25
		}
	},
	"karaoke_light": func(f *Filters) {
		f.karaoke = &Karaoke{Level: 0.5, MonoLevel: 1.0, FilterBand: 220, FilterWidth: 100}
	},
	"karaoke_strong": func(f *Filters) {
		f.karaoke = &Karaoke{Level: 1.0, MonoLevel: 1.0, FilterBand: 220, FilterWidth: 100}
	},
}

// ApplyPreset clears current filters and applies a named bundle. Unknown
// names are a validation error (§4.4).
func (f *Filters) ApplyPreset(name string) error {
	fn, ok := presets[name]
	if !ok {
		return New(KindValidation, "Filters.ApplyPreset", nil)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volume = nil
	f.equalizer = map[int]float64{}
	f.karaoke = nil
	f.timescale = nil
	f.tremolo = nil
	f.vibrato = nil
	f.rotation = nil
	f.distortion = nil
	f.channelMix = nil
	f.lowPass = nil
	fn(f)
	f.fireLocked()
	return nil
}
