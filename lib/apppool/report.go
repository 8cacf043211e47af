// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package apppool

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Snapshot is a point-in-time view of the pool, encoded with CBOR by the
// status command and rendered as text or XML by Inspect and ToXML.
type Snapshot struct {
	Max                  int             `cbor:"max"`
	MaxPerApp            int             `cbor:"max_per_app"`
	MaxIdleTimeSeconds   int64           `cbor:"max_idle_time"`
	Count                int             `cbor:"count"`
	Active               int             `cbor:"active"`
	Inactive             int             `cbor:"inactive"`
	WaitingOnGlobalQueue int             `cbor:"waiting_on_global_queue"`
	Groups               []GroupSnapshot `cbor:"groups"`
	TakenAt              time.Time       `cbor:"taken_at"`
}

// GroupSnapshot describes one group.
type GroupSnapshot struct {
	Name     string           `cbor:"name"`
	AppRoot  string           `cbor:"app_root"`
	Spawning bool             `cbor:"spawning"`
	Workers  []WorkerSnapshot `cbor:"workers"`
}

// WorkerSnapshot describes one worker. ConnectPassword and Sockets are
// only filled in for sensitive snapshots.
type WorkerSnapshot struct {
	PID             int          `cbor:"pid"`
	GUPID           string       `cbor:"gupid"`
	Sessions        int          `cbor:"sessions"`
	Processed       uint64       `cbor:"processed"`
	StartedAt       time.Time    `cbor:"started_at"`
	LastUsed        time.Time    `cbor:"last_used"`
	ConnectPassword string       `cbor:"connect_password,omitempty"`
	Sockets         []SocketInfo `cbor:"sockets,omitempty"`
}

// Snapshot returns the pool's current state. Groups are sorted by name.
func (p *Pool) Snapshot(includeSensitive bool) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := Snapshot{
		Max:                  p.max,
		MaxPerApp:            p.maxPerApp,
		MaxIdleTimeSeconds:   int64(p.maxIdleTime / time.Second),
		Count:                p.count,
		Active:               p.active,
		Inactive:             p.count - p.active,
		WaitingOnGlobalQueue: p.waitingOnGlobalQueue,
		TakenAt:              p.clock.Now(),
	}
	for _, g := range p.groups {
		group := GroupSnapshot{Name: g.name, AppRoot: g.appRoot, Spawning: g.spawn != nil}
		for _, w := range g.workers {
			entry := WorkerSnapshot{
				PID:       w.process.PID,
				GUPID:     w.process.GUPID,
				Sessions:  w.sessions,
				Processed: w.processed,
				StartedAt: w.startedAt,
				LastUsed:  w.lastUsed,
			}
			if includeSensitive {
				entry.ConnectPassword = w.process.ConnectPassword
				entry.Sockets = append([]SocketInfo(nil), w.process.Sockets...)
			}
			group.Workers = append(group.Workers, entry)
		}
		snapshot.Groups = append(snapshot.Groups, group)
	}
	sort.Slice(snapshot.Groups, func(i, j int) bool {
		return snapshot.Groups[i].Name < snapshot.Groups[j].Name
	})
	return snapshot
}

// Uptime formats d as "1h 2m 3s", omitting leading zero units.
func Uptime(d time.Duration) string {
	seconds := int64(d / time.Second)
	var b strings.Builder
	if seconds >= 60 {
		minutes := seconds / 60
		if minutes >= 60 {
			fmt.Fprintf(&b, "%dh ", minutes/60)
			minutes %= 60
		}
		fmt.Fprintf(&b, "%dm ", minutes)
		seconds %= 60
	}
	fmt.Fprintf(&b, "%ds", seconds)
	return b.String()
}

// Inspect returns the human-readable pool report.
func (p *Pool) Inspect() string {
	return p.Snapshot(false).Text()
}

// Text renders the snapshot as the inspect report.
func (s Snapshot) Text() string {
	var b strings.Builder
	fmt.Fprintln(&b, "----------- General information -----------")
	fmt.Fprintf(&b, "max      = %d\n", s.Max)
	fmt.Fprintf(&b, "count    = %d\n", s.Count)
	fmt.Fprintf(&b, "active   = %d\n", s.Active)
	fmt.Fprintf(&b, "inactive = %d\n", s.Inactive)
	fmt.Fprintf(&b, "Waiting on global queue: %d\n", s.WaitingOnGlobalQueue)
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "----------- Groups -----------")
	for _, group := range s.Groups {
		fmt.Fprintf(&b, "%s: \n", group.Name)
		for _, w := range group.Workers {
			fmt.Fprintf(&b, "  PID: %-5d   Sessions: %-2d   Processed: %-5d   Uptime: %s\n",
				w.PID, w.Sessions, w.Processed, Uptime(s.TakenAt.Sub(w.StartedAt)))
		}
		fmt.Fprintln(&b)
	}
	return b.String()
}

type xmlInfo struct {
	XMLName xml.Name   `xml:"info"`
	Groups  []xmlGroup `xml:"groups>group"`
}

type xmlGroup struct {
	Name      string       `xml:"name"`
	Processes []xmlProcess `xml:"processes>process"`
}

type xmlProcess struct {
	PID             int           `xml:"pid"`
	GUPID           string        `xml:"gupid"`
	Sessions        int           `xml:"sessions"`
	Processed       uint64        `xml:"processed"`
	Uptime          string        `xml:"uptime"`
	ConnectPassword string        `xml:"connect_password,omitempty"`
	ServerSockets   *[]SocketInfo `xml:"server_sockets>server_socket,omitempty"`
}

// ToXML returns the pool report as XML. Connect passwords and sockets
// are included only when includeSensitive is set.
func (p *Pool) ToXML(includeSensitive bool) string {
	return p.Snapshot(includeSensitive).XML(includeSensitive)
}

// XML renders the snapshot as the XML report.
func (s Snapshot) XML(includeSensitive bool) string {
	info := xmlInfo{Groups: []xmlGroup{}}
	for _, group := range s.Groups {
		entry := xmlGroup{Name: group.Name, Processes: []xmlProcess{}}
		for _, w := range group.Workers {
			process := xmlProcess{
				PID:       w.PID,
				GUPID:     w.GUPID,
				Sessions:  w.Sessions,
				Processed: w.Processed,
				Uptime:    Uptime(s.TakenAt.Sub(w.StartedAt)),
			}
			if includeSensitive {
				process.ConnectPassword = w.ConnectPassword
				sockets := w.Sockets
				process.ServerSockets = &sockets
			}
			entry.Processes = append(entry.Processes, process)
		}
		info.Groups = append(info.Groups, entry)
	}
	body, err := xml.Marshal(info)
	if err != nil {
		// Only plain strings and integers are marshalled.
		panic(fmt.Sprintf("apppool: marshalling XML report: %v", err))
	}
	return `<?xml version="1.0" encoding="iso8859-1" ?>` + "\n" + string(body)
}
