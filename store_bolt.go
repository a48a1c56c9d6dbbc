package docsync

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	bolt "go.etcd.io/bbolt"
)

// BoltPatchStore is a durable single file PatchStore. Each doc id maps
// to one bucket; keys are patch ids so bucket iteration yields replay
// order for free. Subscriptions are process local: an Append fans out to
// the other sessions on the same store.

type BoltPatchStore struct {
	db    *bolt.DB
	docId string

	subscribers callbackList[func(*Patch)]
}

func OpenBoltPatchStore(path string, docId string) (*BoltPatchStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	return &BoltPatchStore{
		db:    db,
		docId: docId,
	}, nil
}

func NewBoltPatchStore(db *bolt.DB, docId string) *BoltPatchStore {
	return &BoltPatchStore{
		db:    db,
		docId: docId,
	}
}

func (self *BoltPatchStore) bucketName() []byte {
	return []byte(fmt.Sprintf("patches:%s", self.docId))
}

func (self *BoltPatchStore) LoadInitial(ctx context.Context, since PatchId) (*PatchStoreLoad, error) {
	patches := []*Patch{}
	err := self.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(self.bucketName())
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		var k []byte
		var v []byte
		if since == "" {
			k, v = cursor.First()
		} else {
			k, v = cursor.Seek([]byte(since))
			if k != nil && string(k) == string(since) {
				k, v = cursor.Next()
			}
		}
		for ; k != nil; k, v = cursor.Next() {
			patch, err := DecodePatchLine(v)
			if err != nil {
				glog.Warningf("[store]bolt dropping corrupt record %s: %s\n", k, err)
				continue
			}
			patches = append(patches, patch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &PatchStoreLoad{
		Patches: patches,
	}, nil
}

func (self *BoltPatchStore) Append(ctx context.Context, patch *Patch) error {
	line, err := EncodePatchLine(patch)
	if err != nil {
		return err
	}
	err = self.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(self.bucketName())
		if err != nil {
			return err
		}
		return bucket.Put([]byte(patch.Id), line)
	})
	if err != nil {
		return err
	}
	self.subscribers.dispatch(func(callback func(*Patch)) {
		callback(patch.Clone())
	})
	return nil
}

func (self *BoltPatchStore) Subscribe(callback func(*Patch)) func() {
	return self.subscribers.add(callback)
}

func (self *BoltPatchStore) Close() error {
	return self.db.Close()
}
