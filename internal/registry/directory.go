package registry

// directory is the membership state owned by the control loop.
// It is not safe for concurrent use.
type directory struct {
	keys     map[Key]map[SubscriberID]struct{}
	channels map[SubscriberID]chan uint64
}

func newDirectory() *directory {
	return &directory{
		keys:     make(map[Key]map[SubscriberID]struct{}),
		channels: make(map[SubscriberID]chan uint64),
	}
}

// add inserts id under key and returns the new member count for key.
func (d *directory) add(key Key, id SubscriberID, ch chan uint64) int {
	members, ok := d.keys[key]
	if !ok {
		members = make(map[SubscriberID]struct{})
		d.keys[key] = members
	}
	members[id] = struct{}{}
	d.channels[id] = ch
	return len(members)
}

// remove drops id from key, closes its delivery channel and deletes the key
// entry once empty. ok is false if id was not a member of key.
func (d *directory) remove(key Key, id SubscriberID) (remaining int, ok bool) {
	members, exists := d.keys[key]
	if !exists {
		return 0, false
	}
	if _, exists := members[id]; !exists {
		return len(members), false
	}

	delete(members, id)
	if ch, exists := d.channels[id]; exists {
		close(ch)
		delete(d.channels, id)
	}

	if len(members) == 0 {
		delete(d.keys, key)
	}
	return len(members), true
}

func (d *directory) members(key Key) map[SubscriberID]struct{} {
	return d.keys[key]
}

func (d *directory) channel(id SubscriberID) (chan<- uint64, bool) {
	ch, ok := d.channels[id]
	return ch, ok
}

func (d *directory) count(key Key) int {
	return len(d.keys[key])
}

func (d *directory) subscribers() int {
	return len(d.channels)
}

func (d *directory) keyCount() int {
	return len(d.keys)
}
