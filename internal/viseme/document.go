package viseme

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Format is a library document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks a format from a file extension. Unknown extensions
// default to JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// document is the self-describing exchange form of a Library. Durations are
// written as fractional milliseconds.
type document struct {
	Name              string            `json:"name" yaml:"name"`
	Version           string            `json:"version" yaml:"version"`
	Languages         []string          `json:"languages,omitempty" yaml:"languages,omitempty"`
	Visemes           []visemeDocument  `json:"visemes" yaml:"visemes"`
	PhonemeMap        map[string]string `json:"phonemeMap,omitempty" yaml:"phonemeMap,omitempty"`
	DefaultTransition transitionDoc     `json:"defaultTransition" yaml:"defaultTransition"`
	Metadata          map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type visemeDocument struct {
	ID         string        `json:"id" yaml:"id"`
	Name       string        `json:"name" yaml:"name"`
	Phonemes   []string      `json:"phonemes,omitempty" yaml:"phonemes,omitempty"`
	Shape      MouthShape    `json:"shape" yaml:"shape"`
	Transition transitionDoc `json:"transition" yaml:"transition"`
}

type transitionDoc struct {
	EaseInMs  float64 `json:"easeInMs" yaml:"easeInMs"`
	HoldMs    float64 `json:"holdMs" yaml:"holdMs"`
	EaseOutMs float64 `json:"easeOutMs" yaml:"easeOutMs"`
	Curve     Curve   `json:"curve,omitempty" yaml:"curve,omitempty"`
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func fromMs(ms float64) time.Duration {
	return time.Duration(math.Round(ms * float64(time.Millisecond)))
}

func transitionToDoc(t Transition) transitionDoc {
	return transitionDoc{
		EaseInMs:  toMs(t.EaseIn),
		HoldMs:    toMs(t.Hold),
		EaseOutMs: toMs(t.EaseOut),
		Curve:     t.Curve,
	}
}

func (d transitionDoc) transition() Transition {
	return Transition{
		EaseIn:  fromMs(d.EaseInMs),
		Hold:    fromMs(d.HoldMs),
		EaseOut: fromMs(d.EaseOutMs),
		Curve:   d.Curve,
	}
}

func toDocument(l *Library) document {
	doc := document{
		Name:              l.Name,
		Version:           l.Version,
		Languages:         l.Languages,
		PhonemeMap:        l.PhonemeMap,
		DefaultTransition: transitionToDoc(l.DefaultTransition),
		Metadata:          l.Metadata,
		Visemes:           make([]visemeDocument, 0, len(l.Visemes)),
	}
	for _, v := range l.Visemes {
		doc.Visemes = append(doc.Visemes, visemeDocument{
			ID:         v.ID,
			Name:       v.Name,
			Phonemes:   v.Phonemes,
			Shape:      v.Shape,
			Transition: transitionToDoc(v.Transition),
		})
	}
	return doc
}

func (d document) library() *Library {
	lib := &Library{
		Name:              d.Name,
		Version:           d.Version,
		Languages:         d.Languages,
		PhonemeMap:        d.PhonemeMap,
		DefaultTransition: d.DefaultTransition.transition(),
		Metadata:          d.Metadata,
		Visemes:           make([]Viseme, 0, len(d.Visemes)),
	}
	for _, v := range d.Visemes {
		lib.Visemes = append(lib.Visemes, Viseme{
			ID:         v.ID,
			Name:       v.Name,
			Phonemes:   v.Phonemes,
			Shape:      v.Shape,
			Transition: v.Transition.transition(),
		})
	}
	return lib
}

// Encode writes the library as a document in the given format.
func Encode(w io.Writer, l *Library, format Format) error {
	doc := toDocument(l)
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Decode reads a library document. The result is not validated.
func Decode(r io.Reader, format Format) (*Library, error) {
	var doc document
	switch format {
	case FormatJSON, "":
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode json library: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode yaml library: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return doc.library(), nil
}
