package viseme

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Common errors
var (
	ErrLibraryValidation = errors.New("viseme library validation failed")
	ErrLibraryNotFound   = errors.New("viseme library not found")
	ErrUnknownFormat     = errors.New("unknown library document format")
)

// SilenceID is the conventional id of the rest/neutral viseme.
const SilenceID = "sil"

// SilencePhoneme is the phoneme symbol used for pauses and word boundaries.
const SilencePhoneme = "sil"

// Transition is the envelope used when moving into and out of a viseme.
type Transition struct {
	EaseIn  time.Duration
	Hold    time.Duration
	EaseOut time.Duration
	Curve   Curve
}

// Total returns the full envelope length.
func (t Transition) Total() time.Duration {
	return t.EaseIn + t.Hold + t.EaseOut
}

// Viseme is a named mouth-shape target for a group of phonemes.
type Viseme struct {
	ID         string
	Name       string
	Phonemes   []string
	Shape      MouthShape
	Transition Transition
}

// Library is a named, versioned catalog of visemes and a phoneme mapping.
// A Library is treated as immutable once registered with a Manager.
type Library struct {
	Name              string
	Version           string
	Languages         []string
	Visemes           []Viseme
	PhonemeMap        map[string]string
	DefaultTransition Transition
	Metadata          map[string]string

	once     sync.Once
	index    map[string]int
	phonemes map[string]string
}

// Validate checks the library for structural and range errors. All problems
// are reported together, wrapped in ErrLibraryValidation.
func (l *Library) Validate() error {
	if l == nil {
		return fmt.Errorf("%w: nil library", ErrLibraryValidation)
	}

	var errs []error
	if strings.TrimSpace(l.Name) == "" {
		errs = append(errs, errors.New("library name is required"))
	}
	if len(l.Visemes) == 0 {
		errs = append(errs, errors.New("library has no visemes"))
	}
	if err := validateTransition(l.DefaultTransition); err != nil {
		errs = append(errs, fmt.Errorf("default transition: %w", err))
	}

	ids := make(map[string]struct{}, len(l.Visemes))
	for i, v := range l.Visemes {
		if strings.TrimSpace(v.ID) == "" {
			errs = append(errs, fmt.Errorf("viseme %d: id is required", i))
			continue
		}
		if _, dup := ids[v.ID]; dup {
			errs = append(errs, fmt.Errorf("viseme %q: duplicate id", v.ID))
		}
		ids[v.ID] = struct{}{}
		if strings.TrimSpace(v.Name) == "" {
			errs = append(errs, fmt.Errorf("viseme %q: name is required", v.ID))
		}
		if err := v.Shape.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("viseme %q: %w", v.ID, err))
		}
		if err := validateTransition(v.Transition); err != nil {
			errs = append(errs, fmt.Errorf("viseme %q: %w", v.ID, err))
		}
	}

	for phoneme, target := range l.PhonemeMap {
		if _, ok := ids[target]; !ok {
			errs = append(errs, fmt.Errorf("phoneme %q maps to unknown viseme %q", phoneme, target))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: library %q: %w", ErrLibraryValidation, l.Name, errors.Join(errs...))
	}
	return nil
}

func validateTransition(t Transition) error {
	if t.EaseIn < 0 || t.Hold < 0 || t.EaseOut < 0 {
		return errors.New("transition durations must not be negative")
	}
	if t.Curve != "" && !t.Curve.Valid() {
		return fmt.Errorf("unknown curve %q", t.Curve)
	}
	return nil
}

// buildIndex prepares id and phoneme lookups once. Explicit PhonemeMap
// entries win over a viseme's own phoneme list.
func (l *Library) buildIndex() {
	l.once.Do(l.indexVisemes)
}

func (l *Library) indexVisemes() {
	l.index = make(map[string]int, len(l.Visemes))
	l.phonemes = make(map[string]string)
	for i, v := range l.Visemes {
		l.index[v.ID] = i
		for _, p := range v.Phonemes {
			if _, taken := l.phonemes[p]; !taken {
				l.phonemes[p] = v.ID
			}
		}
	}
	for p, id := range l.PhonemeMap {
		l.phonemes[p] = id
	}
}

// Viseme returns the viseme with the given id.
func (l *Library) Viseme(id string) (Viseme, bool) {
	l.buildIndex()
	i, ok := l.index[id]
	if !ok {
		return Viseme{}, false
	}
	return l.Visemes[i], true
}

// MapPhoneme resolves a phoneme symbol to a viseme. Lookup tries the symbol
// as given, then lower and upper case.
func (l *Library) MapPhoneme(symbol string) (Viseme, bool) {
	l.buildIndex()
	for _, key := range []string{symbol, strings.ToLower(symbol), strings.ToUpper(symbol)} {
		if id, ok := l.phonemes[key]; ok {
			return l.Viseme(id)
		}
	}
	return Viseme{}, false
}

// Neutral returns the library's rest viseme: the one named in
// Metadata["neutral"], else SilenceID, else a closed mouth.
func (l *Library) Neutral() Viseme {
	if id := l.Metadata["neutral"]; id != "" {
		if v, ok := l.Viseme(id); ok {
			return v
		}
	}
	if v, ok := l.Viseme(SilenceID); ok {
		return v
	}
	return Viseme{ID: SilenceID, Name: "Silence", Transition: l.DefaultTransition}
}

// TransitionFor returns the viseme's own envelope, or the library default
// when the viseme does not define one.
func (l *Library) TransitionFor(id string) Transition {
	if v, ok := l.Viseme(id); ok && v.Transition.Total() > 0 {
		return v.Transition
	}
	return l.DefaultTransition
}

// Clone returns a deep copy without lookup indexes.
func (l *Library) Clone() *Library {
	out := &Library{
		Name:              l.Name,
		Version:           l.Version,
		Languages:         append([]string(nil), l.Languages...),
		DefaultTransition: l.DefaultTransition,
	}
	out.Visemes = make([]Viseme, len(l.Visemes))
	for i, v := range l.Visemes {
		v.Phonemes = append([]string(nil), v.Phonemes...)
		v.Shape = v.Shape.Clone()
		out.Visemes[i] = v
	}
	if l.PhonemeMap != nil {
		out.PhonemeMap = make(map[string]string, len(l.PhonemeMap))
		for k, v := range l.PhonemeMap {
			out.PhonemeMap[k] = v
		}
	}
	if l.Metadata != nil {
		out.Metadata = make(map[string]string, len(l.Metadata))
		for k, v := range l.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
