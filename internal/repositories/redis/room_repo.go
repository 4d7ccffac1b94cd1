package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"codecanvas/internal/models"
)

const (
	keyPrefix     = "canvas:room:"
	creatorPrefix = "canvas:creator:"
)

// RoomRepo keeps each room as a hash (html, css, js, name, creator, isPublic,
// lastModified, createdAt) and each creator's room ids in a set.
type RoomRepo struct {
	rdb *redis.Client
}

func NewRoomRepo(rdb *redis.Client) *RoomRepo { return &RoomRepo{rdb: rdb} }

// Dial connects to addr and checks the server answers.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func roomKey(roomID string) string { return keyPrefix + roomID }

func creatorKey(creatorID string) string { return creatorPrefix + creatorID + ":rooms" }

func parseStamp(roomID, field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("room %s %s: %w", roomID, field, err)
	}
	return t, nil
}

func nameOrDefault(name string) string {
	if name == "" {
		return models.DefaultRoomName
	}
	return name
}

// rooms persisted before they had metadata are public
func parsePublic(raw string) bool {
	v, err := strconv.ParseBool(raw)
	return err != nil || v
}

func (r *RoomRepo) Get(ctx context.Context, roomID string) (*models.RoomDocument, error) {
	fields, err := r.rdb.HGetAll(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", roomID, err)
	}
	if len(fields) == 0 {
		return nil, models.ErrDocumentNotFound
	}

	doc := &models.RoomDocument{
		RoomID:    roomID,
		Name:      nameOrDefault(fields["name"]),
		CreatorID: fields["creator"],
		IsPublic:  parsePublic(fields["isPublic"]),
		Code: models.Document{
			HTML: fields["html"],
			CSS:  fields["css"],
			JS:   fields["js"],
		},
	}
	if doc.LastModified, err = parseStamp(roomID, "lastModified", fields["lastModified"]); err != nil {
		return nil, err
	}
	if doc.CreatedAt, err = parseStamp(roomID, "createdAt", fields["createdAt"]); err != nil {
		return nil, err
	}
	return doc, nil
}

// Upsert replaces the room's code. A room created this way has no creator,
// the default name and is public.
func (r *RoomRepo) Upsert(ctx context.Context, doc models.RoomDocument) error {
	key := roomKey(doc.RoomID)
	stamp := doc.LastModified.UTC().Format(time.RFC3339Nano)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"html", doc.Code.HTML,
			"css", doc.Code.CSS,
			"js", doc.Code.JS,
			"lastModified", stamp,
		)
		pipe.HSetNX(ctx, key, "createdAt", stamp)
		pipe.HSetNX(ctx, key, "name", models.DefaultRoomName)
		pipe.HSetNX(ctx, key, "isPublic", "true")
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert room %s: %w", doc.RoomID, err)
	}
	return nil
}

func (r *RoomRepo) Create(ctx context.Context, doc models.RoomDocument) error {
	key := roomKey(doc.RoomID)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"html", doc.Code.HTML,
			"css", doc.Code.CSS,
			"js", doc.Code.JS,
			"name", doc.Name,
			"creator", doc.CreatorID,
			"isPublic", strconv.FormatBool(doc.IsPublic),
			"lastModified", doc.LastModified.UTC().Format(time.RFC3339Nano),
			"createdAt", doc.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if doc.CreatorID != "" {
			pipe.SAdd(ctx, creatorKey(doc.CreatorID), doc.RoomID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create room %s: %w", doc.RoomID, err)
	}
	return nil
}

// ListByCreator returns the creator's rooms, most recently modified first.
// Ids whose hash is gone are skipped.
func (r *RoomRepo) ListByCreator(ctx context.Context, creatorID string) ([]models.RoomSummary, error) {
	ids, err := r.rdb.SMembers(ctx, creatorKey(creatorID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms of %s: %w", creatorID, err)
	}

	cmds := make([]*redis.SliceCmd, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HMGet(ctx, roomKey(id), "name", "isPublic", "lastModified", "createdAt")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load rooms of %s: %w", creatorID, err)
	}

	out := make([]models.RoomSummary, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) < 4 || vals[0] == nil {
			continue
		}
		str := func(j int) string {
			s, _ := vals[j].(string)
			return s
		}
		room := models.RoomSummary{
			RoomID:   ids[i],
			Name:     nameOrDefault(str(0)),
			IsPublic: parsePublic(str(1)),
		}
		if room.LastModified, err = parseStamp(ids[i], "lastModified", str(2)); err != nil {
			return nil, err
		}
		if room.CreatedAt, err = parseStamp(ids[i], "createdAt", str(3)); err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].LastModified.After(out[b].LastModified) })
	return out, nil
}

func (r *RoomRepo) Rename(ctx context.Context, roomID, name string) error {
	key := roomKey(roomID)
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return models.ErrDocumentNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "name", name)
			return nil
		})
		return err
	}, key)
	if err != nil && !errors.Is(err, models.ErrDocumentNotFound) {
		return fmt.Errorf("rename room %s: %w", roomID, err)
	}
	return err
}

// Delete drops the room hash and its creator index entry.
func (r *RoomRepo) Delete(ctx context.Context, roomID string) error {
	key := roomKey(roomID)
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return models.ErrDocumentNotFound
		}
		creator, err := tx.HGet(ctx, key, "creator").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if creator != "" {
				pipe.SRem(ctx, creatorKey(creator), roomID)
			}
			return nil
		})
		return err
	}, key)
	if err != nil && !errors.Is(err, models.ErrDocumentNotFound) {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	return err
}

func (r *RoomRepo) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *RoomRepo) Close(context.Context) error { return r.rdb.Close() }
