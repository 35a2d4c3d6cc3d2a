package crdt

// RelPos anchors a cursor to the identifier space instead of an integer
// offset, so it stays correct while concurrent edits shift offsets. A nil
// ID anchors to the end of the document.
type RelPos struct {
	ID  *ID
	Pos Position
}

// RelPosAt anchors the cursor sitting before the visible atom at offset.
// Offsets at or past the end anchor to the document end.
func (d *Doc) RelPosAt(offset int) RelPos {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.visibleAt(offset)
	if a == nil {
		return RelPos{}
	}
	id := a.ID
	return RelPos{ID: &id, Pos: a.Pos.clone()}
}

// ResolveRelPos maps an anchored cursor back to the current visible offset.
// Anchors on tombstoned or collected atoms resolve to the nearest following
// visible offset.
func (d *Doc) ResolveRelPos(rp RelPos) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rp.ID == nil {
		return d.visLen
	}
	n := 0
	for _, a := range d.atoms {
		if a.ID == *rp.ID {
			return n
		}
		if rp.Pos != nil && a.Pos.Compare(rp.Pos) > 0 {
			// The anchor atom was collected; its recorded position
			// still tells us where it used to sit.
			return n
		}
		if !a.Deleted {
			n++
		}
	}
	return d.visLen
}
