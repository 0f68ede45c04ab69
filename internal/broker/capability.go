package broker

import (
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"pkt.systems/asyncstore/internal/storage"
)

// Persistable is implemented by entities with a persisted representation and
// a backend-assigned persistence identity.
type Persistable interface {
	Encode(dst []byte) []byte
	EncodedSize() int
	PersistenceID() uint64
	SetPersistenceID(id uint64)
}

// DataSource is implemented by entities whose content can be serialised into
// a caller-provided buffer, e.g. for migration between stores.
type DataSource interface {
	Size() uint64
	// Write serialises into target and returns the number of bytes written,
	// or 0 when target is smaller than Size.
	Write(target []byte) int
}

// Args are the declare-time arguments of a queue.
type Args map[string]string

func (a Args) sortedKeys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a Args) clone() Args {
	if len(a) == 0 {
		return nil
	}
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Queue definition encoding: 1 name, 2 repeated arg {1 key, 2 value}.
func appendQueueDefinition(dst []byte, name string, args Args) []byte {
	dst = protowire.AppendTag(dst, 1, protowire.BytesType)
	dst = protowire.AppendString(dst, name)
	for _, k := range args.sortedKeys() {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendString(entry, args[k])
		dst = protowire.AppendTag(dst, 2, protowire.BytesType)
		dst = protowire.AppendBytes(dst, entry)
	}
	return dst
}

func queueDefinitionSize(name string, args Args) int {
	n := protowire.SizeTag(1) + protowire.SizeBytes(len(name))
	for k, v := range args {
		entry := protowire.SizeTag(1) + protowire.SizeBytes(len(k)) + protowire.SizeTag(2) + protowire.SizeBytes(len(v))
		n += protowire.SizeTag(2) + protowire.SizeBytes(entry)
	}
	return n
}

// DecodeQueueDefinition parses the output of PersistableQueue.Encode.
func DecodeQueueDefinition(data []byte) (string, Args, error) {
	var (
		name string
		args Args
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", nil, fmt.Errorf("broker: decode queue definition: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", nil, fmt.Errorf("broker: decode queue definition: %w", protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return "", nil, fmt.Errorf("broker: decode queue definition: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case 1:
			name = string(v)
		case 2:
			k, val, err := decodeArg(v)
			if err != nil {
				return "", nil, err
			}
			if args == nil {
				args = Args{}
			}
			args[k] = val
		}
	}
	if name == "" {
		return "", nil, errors.New("broker: decode queue definition: missing name")
	}
	return name, args, nil
}

func decodeArg(data []byte) (string, string, error) {
	var k, v string
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || typ != protowire.BytesType {
			return "", "", errors.New("broker: decode queue argument: malformed entry")
		}
		data = data[n:]
		b, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return "", "", fmt.Errorf("broker: decode queue argument: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case 1:
			k = string(b)
		case 2:
			v = string(b)
		}
	}
	return k, v, nil
}

// Snapshot is the decoded content of a DataSource written by a queue.
type Snapshot struct {
	Name          string
	Args          Args
	PersistenceID uint64
	Messages      []storage.MessageRecord
}

// Snapshot encoding: 1 queue definition, 2 persistence id, 3 repeated message record.
func appendSnapshot(dst []byte, def []byte, persistenceID uint64, msgs []storage.MessageRecord) []byte {
	dst = protowire.AppendTag(dst, 1, protowire.BytesType)
	dst = protowire.AppendBytes(dst, def)
	if persistenceID != 0 {
		dst = protowire.AppendTag(dst, 2, protowire.VarintType)
		dst = protowire.AppendVarint(dst, persistenceID)
	}
	for _, m := range msgs {
		dst = protowire.AppendTag(dst, 3, protowire.BytesType)
		dst = protowire.AppendBytes(dst, storage.MarshalMessageRecord(m))
	}
	return dst
}

// DecodeSnapshot parses bytes produced by a queue's DataSource.Write.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	var def []byte
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Snapshot{}, fmt.Errorf("broker: decode snapshot: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Snapshot{}, fmt.Errorf("broker: decode snapshot: %w", protowire.ParseError(n))
			}
			snap.PersistenceID = v
			data = data[n:]
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Snapshot{}, fmt.Errorf("broker: decode snapshot: %w", protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case 1:
				def = v
			case 3:
				rec, err := storage.UnmarshalMessageRecord(v)
				if err != nil {
					return Snapshot{}, fmt.Errorf("broker: decode snapshot: %w", err)
				}
				snap.Messages = append(snap.Messages, rec)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Snapshot{}, fmt.Errorf("broker: decode snapshot: %w", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if def == nil {
		return Snapshot{}, errors.New("broker: decode snapshot: missing queue definition")
	}
	name, args, err := DecodeQueueDefinition(def)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Name = name
	snap.Args = args
	return snap, nil
}
