package docsync

// the working copy is a staged, uncommitted draft held on top of the
// committed document. As the committed version advances the draft is
// rebased onto it: three way merge for documents with a string form,
// delta replay otherwise.

// SetWorkingCopy stages draft on top of the committed document. No graph
// mutation, no persistence.
func (self *Session) SetWorkingCopy(draft Document) error {
	self.stateLock.Lock()
	if err := self.requireInit(); err != nil {
		self.stateLock.Unlock()
		return err
	}
	self.workingCopy = &workingCopy{
		base:  self.committedDoc,
		draft: draft,
	}
	self.doc = draft
	event := self.changeEvent(draft)
	self.stateLock.Unlock()

	event()
	return nil
}

// ClearWorkingCopy drops the staged draft and reverts the displayed
// document to the committed one.
func (self *Session) ClearWorkingCopy() error {
	self.stateLock.Lock()
	if err := self.requireInit(); err != nil {
		self.stateLock.Unlock()
		return err
	}
	if self.workingCopy == nil {
		self.stateLock.Unlock()
		return nil
	}
	self.workingCopy = nil
	self.doc = self.committedDoc
	event := self.changeEvent(self.doc)
	self.stateLock.Unlock()

	event()
	return nil
}

func (self *Session) HasWorkingCopy() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.workingCopy != nil
}

// rebaseDraft rebases draft (edited against base) onto updatedBase.
func (self *Session) rebaseDraft(base Document, draft Document, updatedBase Document) (Document, error) {
	if draft.IsEqual(base) {
		return updatedBase, nil
	}
	if draft.IsEqual(updatedBase) {
		return updatedBase, nil
	}
	baseText, baseOk := base.(StringDocument)
	draftText, draftOk := draft.(StringDocument)
	updatedText, updatedOk := updatedBase.(StringDocument)
	if baseOk && draftOk && updatedOk {
		merged := ThreeWayMerge(baseText.Text(), draftText.Text(), updatedText.Text())
		return self.codec.FromString(merged)
	}
	// no string form: apply the local delta onto the advanced base
	body, err := self.codec.MakePatch(base, draft)
	if err != nil {
		return nil, err
	}
	if body.IsEmpty() {
		return updatedBase, nil
	}
	return self.codec.ApplyPatch(updatedBase, body)
}
