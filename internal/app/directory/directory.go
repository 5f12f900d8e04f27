package directory

import (
	"slices"
	"sync"

	"roomrelay/internal/pkg/errs"
)

// Directory maps connection ids to participants. All methods are safe for concurrent
// use; mutations are serialized behind one lock per Directory.
type Directory struct {
	mu sync.RWMutex

	// byID holds every active participant keyed by connection id.
	byID map[string]Participant

	// order lists connection ids in join order, so room listings are stable.
	order []string
}

// New returns an empty Directory.
func New() *Directory {
	return &Directory{
		byID: make(map[string]Participant),
	}
}

// AddParticipant inserts a participant for connID.
// A failed add leaves the Directory unchanged.
func (d *Directory) AddParticipant(connID, name, room string) (Participant, *errs.CustomError) {
	name = Normalize(name)
	room = Normalize(room)

	if connID == "" || name == "" || room == "" {
		return Participant{}, errs.NewError(errs.ErrNameRequired)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byID[connID]; ok {
		return Participant{}, errs.NewError(errs.ErrAlreadyJoined)
	}

	for _, p := range d.byID {
		if p.Room == room && p.Name == name {
			return Participant{}, errs.NewError(errs.ErrNameTaken)
		}
	}

	p := Participant{ID: connID, Name: name, Room: room}
	d.byID[connID] = p
	d.order = append(d.order, connID)

	return p, nil
}

// RemoveParticipant deletes the participant for connID. Removing an unknown id is a no-op.
func (d *Directory) RemoveParticipant(connID string) (Participant, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.byID[connID]
	if !ok {
		return Participant{}, false
	}

	delete(d.byID, connID)
	if i := slices.Index(d.order, connID); i >= 0 {
		d.order = slices.Delete(d.order, i, i+1)
	}

	return p, true
}

// GetParticipant looks up a participant by connection id.
func (d *Directory) GetParticipant(connID string) (Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.byID[connID]
	return p, ok
}

// GetParticipantByName finds a participant by name. An empty room searches every room
// and returns the earliest joiner with that name.
func (d *Directory) GetParticipantByName(room, name string) (Participant, bool) {
	room = Normalize(room)
	name = Normalize(name)

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, id := range d.order {
		p := d.byID[id]
		if p.Name == name && (room == "" || p.Room == room) {
			return p, true
		}
	}

	return Participant{}, false
}

// ListRoom returns the participants of room in join order.
func (d *Directory) ListRoom(room string) []Participant {
	room = Normalize(room)

	d.mu.RLock()
	defer d.mu.RUnlock()

	members := make([]Participant, 0)
	for _, id := range d.order {
		if p := d.byID[id]; p.Room == room {
			members = append(members, p)
		}
	}

	return members
}

// Rooms returns every room that has at least one participant, in order of first join.
func (d *Directory) Rooms() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rooms := make([]string, 0)
	seen := make(map[string]struct{})
	for _, id := range d.order {
		room := d.byID[id].Room
		if _, ok := seen[room]; ok {
			continue
		}
		seen[room] = struct{}{}
		rooms = append(rooms, room)
	}

	return rooms
}

// Len returns the number of active participants.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.byID)
}
