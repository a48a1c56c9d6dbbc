package docsync

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgPatchStore keeps patch envelopes in an append only Postgres table.
// Subscriptions are process local; a cross process deployment would pair
// this with the websocket or redis fabric for fan out.

const pgPatchSchema = `
create table if not exists docsync_patches (
	doc_id text not null,
	patch_id text not null,
	envelope jsonb not null,
	primary key (doc_id, patch_id)
)
`

type PgPatchStore struct {
	pool  *pgxpool.Pool
	docId string

	subscribers callbackList[func(*Patch)]
}

func NewPgPatchStore(pool *pgxpool.Pool, docId string) *PgPatchStore {
	return &PgPatchStore{
		pool:  pool,
		docId: docId,
	}
}

func OpenPgPatchStore(ctx context.Context, databaseUrl string, docId string) (*PgPatchStore, error) {
	pool, err := pgxpool.New(ctx, databaseUrl)
	if err != nil {
		return nil, err
	}
	store := NewPgPatchStore(pool, docId)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (self *PgPatchStore) EnsureSchema(ctx context.Context) error {
	_, err := self.pool.Exec(ctx, pgPatchSchema)
	return err
}

func (self *PgPatchStore) LoadInitial(ctx context.Context, since PatchId) (*PatchStoreLoad, error) {
	rows, err := self.pool.Query(
		ctx,
		`select envelope from docsync_patches
		 where doc_id = $1 and patch_id > $2
		 order by patch_id asc`,
		self.docId,
		string(since),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	patches := []*Patch{}
	for rows.Next() {
		var envelope []byte
		if err := rows.Scan(&envelope); err != nil {
			return nil, err
		}
		patch, err := DecodePatchLine(envelope)
		if err != nil {
			return nil, err
		}
		patches = append(patches, patch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &PatchStoreLoad{
		Patches: patches,
	}, nil
}

func (self *PgPatchStore) Append(ctx context.Context, patch *Patch) error {
	line, err := EncodePatchLine(patch)
	if err != nil {
		return err
	}
	_, err = self.pool.Exec(
		ctx,
		`insert into docsync_patches (doc_id, patch_id, envelope)
		 values ($1, $2, $3)
		 on conflict (doc_id, patch_id) do nothing`,
		self.docId,
		string(patch.Id),
		line,
	)
	if err != nil {
		return err
	}
	self.subscribers.dispatch(func(callback func(*Patch)) {
		callback(patch.Clone())
	})
	return nil
}

func (self *PgPatchStore) Subscribe(callback func(*Patch)) func() {
	return self.subscribers.add(callback)
}

func (self *PgPatchStore) Close() {
	self.pool.Close()
}
