package browser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Descriptor describes one element of a snapshot.
type Descriptor struct {
	Role        string            `json:"role,omitempty"`
	Name        string            `json:"name,omitempty"`
	Label       string            `json:"label,omitempty"`
	Text        string            `json:"text,omitempty"`
	Value       string            `json:"value,omitempty"`
	Placeholder string            `json:"placeholder,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Element pairs an opaque reference with its descriptor.
type Element struct {
	Ref        string
	Descriptor Descriptor
}

// Snapshot is a point-in-time view of the page's elements. Element order is
// the order the transport reported them in and is preserved through JSON.
type Snapshot struct {
	Status    string
	URL       string
	Title     string
	Timestamp time.Time

	elements []Element
	index    map[string]int
}

// NewSnapshot builds a snapshot from ordered elements. Later duplicates of a
// ref replace the earlier descriptor but keep its position.
func NewSnapshot(url string, elements []Element) *Snapshot {
	snap := &Snapshot{
		Status:    "success",
		URL:       url,
		Timestamp: time.Now(),
		index:     make(map[string]int, len(elements)),
	}
	for _, el := range elements {
		snap.add(el)
	}
	return snap
}

func (s *Snapshot) add(el Element) {
	if s.index == nil {
		s.index = make(map[string]int)
	}
	if i, ok := s.index[el.Ref]; ok {
		s.elements[i] = el
		return
	}
	s.index[el.Ref] = len(s.elements)
	s.elements = append(s.elements, el)
}

// Len reports the number of elements.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.elements)
}

// Lookup returns the descriptor stored under ref.
func (s *Snapshot) Lookup(ref string) (Descriptor, bool) {
	if s == nil {
		return Descriptor{}, false
	}
	i, ok := s.index[ref]
	if !ok {
		return Descriptor{}, false
	}
	return s.elements[i].Descriptor, true
}

// Elements returns the elements in insertion order.
func (s *Snapshot) Elements() []Element {
	if s == nil {
		return nil
	}
	out := make([]Element, len(s.elements))
	copy(out, s.elements)
	return out
}

type snapshotHeader struct {
	Status    string          `json:"status"`
	URL       string          `json:"url"`
	Title     string          `json:"title,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Elements  json.RawMessage `json:"elements"`
}

// MarshalJSON writes elements as an object keyed by ref, in insertion order.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, el := range s.elements {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(el.Ref)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(el.Descriptor)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')

	return json.Marshal(snapshotHeader{
		Status:    s.Status,
		URL:       s.URL,
		Title:     s.Title,
		Timestamp: s.Timestamp,
		Elements:  buf.Bytes(),
	})
}

// UnmarshalJSON reads the elements object keeping its key order.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var header snapshotHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return err
	}
	*s = Snapshot{
		Status:    header.Status,
		URL:       header.URL,
		Title:     header.Title,
		Timestamp: header.Timestamp,
		index:     make(map[string]int),
	}
	if len(header.Elements) == 0 || string(header.Elements) == "null" {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(header.Elements))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("snapshot elements: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		ref, ok := tok.(string)
		if !ok {
			return fmt.Errorf("snapshot elements: expected string key, got %v", tok)
		}
		var desc Descriptor
		if err := dec.Decode(&desc); err != nil {
			return fmt.Errorf("snapshot element %q: %w", ref, err)
		}
		s.add(Element{Ref: ref, Descriptor: desc})
	}
	_, err = dec.Token()
	return err
}

// SnapshotOptions tunes what a transport includes in a snapshot.
type SnapshotOptions struct {
	IncludeHidden bool `json:"include_hidden"`
}

// ActionKind enumerates the element actions a transport must support.
type ActionKind string

const (
	ActionClick    ActionKind = "click"
	ActionType     ActionKind = "type"
	ActionSelect   ActionKind = "select"
	ActionPressKey ActionKind = "press_key"
)

// ActionPayload carries kind-specific action input.
type ActionPayload struct {
	Text   string   `json:"text,omitempty"`
	Submit bool     `json:"submit,omitempty"`
	Values []string `json:"values,omitempty"`
	Key    string   `json:"key,omitempty"`
}

// Action is a request to act on one element. Ref may be empty for
// page-level actions such as press_key.
type Action struct {
	Kind    ActionKind    `json:"kind"`
	Ref     string        `json:"ref,omitempty"`
	Payload ActionPayload `json:"payload"`
}

// ActionResult is what the transport reports after an action.
type ActionResult struct {
	Kind    ActionKind `json:"kind"`
	Ref     string     `json:"ref,omitempty"`
	URL     string     `json:"url,omitempty"`
	Message string     `json:"message,omitempty"`
}

// Viewport defines the browser viewport size.
type Viewport struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}
