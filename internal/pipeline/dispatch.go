package pipeline

import (
	"sync"

	"github.com/lanikai/ilpipe/internal/omx"
)

type EventKind int

const (
	EventPortSettingsChanged EventKind = iota
	EventReconfigured
	EventTransfer
	EventError
	EventAnomaly
)

var eventNames = [...]string{"port-settings-changed", "reconfigured", "transfer", "error", "anomaly"}

func (k EventKind) String() string { return eventNames[k] }

// Event is a trace record of something that happened in the pipeline.
type Event struct {
	Kind  EventKind
	Stage string
	Port  int
	Link  string
	Code  omx.Error
}

type linkKey struct {
	stage *Stage
	port  int
}

// Dispatcher routes stage events to the links sourced at each stage.
type Dispatcher struct {
	links   map[linkKey]*Link
	fatal   map[omx.Error]bool
	totals  *counters
	observe func(Event)

	// Called once with the first fatal error.
	onFatal   func(error)
	fatalOnce sync.Once
}

func newDispatcher(links []*Link, fatal []omx.Error, totals *counters, observe func(Event), onFatal func(error)) *Dispatcher {
	d := &Dispatcher{
		links:   make(map[linkKey]*Link),
		fatal:   make(map[omx.Error]bool),
		totals:  totals,
		observe: observe,
		onFatal: onFatal,
	}
	for _, l := range links {
		src, port := l.Source()
		d.links[linkKey{src, port}] = l
	}
	for _, code := range fatal {
		d.fatal[code] = true
	}
	return d
}

func (d *Dispatcher) emit(ev Event) {
	if d.observe != nil {
		d.observe(ev)
	}
}

func (d *Dispatcher) fail(err error) {
	d.fatalOnce.Do(func() {
		log.Error("Fatal: %v", err)
		if d.onFatal != nil {
			d.onFatal(err)
		}
	})
}

// LinkFrom returns the link whose source is the given stage port.
func (d *Dispatcher) LinkFrom(s *Stage, port int) *Link {
	return d.links[linkKey{s, port}]
}

func (d *Dispatcher) PortSettingsChanged(s *Stage, port int) {
	d.emit(Event{Kind: EventPortSettingsChanged, Stage: s.Name, Port: port})
	l := d.LinkFrom(s, port)
	if l == nil {
		log.Warn("Stage %s: settings changed on unlinked port %d", s.Name, port)
		return
	}
	if err := l.Reconfigure(); err != nil {
		d.fail(err)
	}
}

func (d *Dispatcher) FillBufferDone(s *Stage, port int) {
	l := d.LinkFrom(s, port)
	// The terminal link is drained by the orchestrator only.
	if l == nil || l.Terminal() {
		return
	}
	if _, err := l.Pump(0); err != nil {
		log.Warn("%v: %v", l, err)
		d.totals.linkErrors.Add(1)
	}
}

func (d *Dispatcher) StageError(s *Stage, code omx.Error) {
	d.totals.stageErrors.Add(1)
	d.emit(Event{Kind: EventError, Stage: s.Name, Code: code})
	if d.fatal[code] {
		d.fail(&FatalError{Stage: s.Name, Code: code})
		return
	}
	log.Error("Stage %s: %v", s.Name, code)
}
