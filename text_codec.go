package docsync

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/golang/glog"
)

// the text document family: free form strings, diff patched through the
// TextDiff service. Serialization is identity.

type TextDocument struct {
	codec *TextCodec
	text  string
}

func (self *TextDocument) Text() string {
	return self.text
}

func (self *TextDocument) String() string {
	return self.text
}

func (self *TextDocument) Count() int {
	return utf8.RuneCountInString(self.text)
}

func (self *TextDocument) Size() ByteCount {
	return ByteCount(len(self.text))
}

func (self *TextDocument) IsEqual(other Document) bool {
	otherText, ok := other.(*TextDocument)
	if !ok {
		return false
	}
	return self.text == otherText.text
}

func (self *TextDocument) ApplyPatch(body PatchBody) (Document, error) {
	return self.codec.ApplyPatch(self, body)
}

func (self *TextDocument) ApplyPatchBatch(bodies []PatchBody) (Document, error) {
	return self.codec.ApplyPatchBatch(self, bodies)
}

func (self *TextDocument) MakePatch(other Document) (PatchBody, error) {
	return self.codec.MakePatch(self, other)
}

type TextCodec struct {
	diff TextDiff
}

func NewTextCodec() *TextCodec {
	return NewTextCodecWithDiff(NewLineDiff())
}

func NewTextCodecWithDiff(diff TextDiff) *TextCodec {
	return &TextCodec{
		diff: diff,
	}
}

func (self *TextCodec) FromString(text string) (Document, error) {
	return &TextDocument{
		codec: self,
		text:  text,
	}, nil
}

func (self *TextCodec) ToString(doc Document) string {
	return doc.String()
}

func (self *TextCodec) textDocument(doc Document) (*TextDocument, error) {
	textDoc, ok := doc.(*TextDocument)
	if !ok {
		return nil, fmt.Errorf("%w: not a text document", ErrConfig)
	}
	return textDoc, nil
}

// ApplyPatch applies a line patch. A patch whose hunks do not match the
// current text is absorbed as a no-op; the codec owns cleanliness.
func (self *TextCodec) ApplyPatch(doc Document, body PatchBody) (Document, error) {
	textDoc, err := self.textDocument(doc)
	if err != nil {
		return nil, err
	}
	if body.IsEmpty() {
		return textDoc, nil
	}
	var patch TextPatch
	if err := json.Unmarshal(body, &patch); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptPatchBody, err)
	}
	nextText, clean := self.diff.ApplyPatch(textDoc.text, patch)
	if !clean {
		glog.V(2).Infof("[text]dirty patch absorbed as no-op\n")
		return textDoc, nil
	}
	if nextText == textDoc.text {
		return textDoc, nil
	}
	return &TextDocument{
		codec: self,
		text:  nextText,
	}, nil
}

func (self *TextCodec) ApplyPatchBatch(doc Document, bodies []PatchBody) (Document, error) {
	next := doc
	var err error
	for _, body := range bodies {
		next, err = self.ApplyPatch(next, body)
		if err != nil {
			return nil, err
		}
	}
	return next, nil
}

func (self *TextCodec) MakePatch(from Document, to Document) (PatchBody, error) {
	fromDoc, err := self.textDocument(from)
	if err != nil {
		return nil, err
	}
	toDoc, err := self.textDocument(to)
	if err != nil {
		return nil, err
	}
	patch := self.diff.MakePatch(fromDoc.text, toDoc.text)
	if patch.IsEmpty() {
		return nil, nil
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	return PatchBody(body), nil
}
