package storage

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the queue record wire encoding.
const (
	queueFieldName          protowire.Number = 1
	queueFieldPersistenceID protowire.Number = 2
	queueFieldData          protowire.Number = 3
)

// Field numbers of the message record wire encoding.
const (
	messageFieldSeq     protowire.Number = 1
	messageFieldID      protowire.Number = 2
	messageFieldPayload protowire.Number = 3
	messageFieldTxnID   protowire.Number = 4
	messageFieldDurable protowire.Number = 5
)

// MarshalQueueRecord encodes rec using the protobuf wire format.
func MarshalQueueRecord(rec QueueRecord) []byte {
	buf := make([]byte, 0, len(rec.Name)+len(rec.Data)+24)
	buf = protowire.AppendTag(buf, queueFieldName, protowire.BytesType)
	buf = protowire.AppendString(buf, rec.Name)
	if rec.PersistenceID != 0 {
		buf = protowire.AppendTag(buf, queueFieldPersistenceID, protowire.VarintType)
		buf = protowire.AppendVarint(buf, rec.PersistenceID)
	}
	if len(rec.Data) > 0 {
		buf = protowire.AppendTag(buf, queueFieldData, protowire.BytesType)
		buf = protowire.AppendBytes(buf, rec.Data)
	}
	return buf
}

// UnmarshalQueueRecord decodes a record produced by MarshalQueueRecord.
func UnmarshalQueueRecord(payload []byte) (QueueRecord, error) {
	var rec QueueRecord
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == queueFieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			rec.Name = v
			return n, nil
		case num == queueFieldPersistenceID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			rec.PersistenceID = v
			return n, nil
		case num == queueFieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				rec.Data = append([]byte(nil), v...)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return QueueRecord{}, fmt.Errorf("storage: decode queue record: %w", err)
	}
	if rec.Name == "" {
		return QueueRecord{}, fmt.Errorf("storage: decode queue record: missing name")
	}
	return rec, nil
}

// MarshalMessageRecord encodes rec using the protobuf wire format.
func MarshalMessageRecord(rec MessageRecord) []byte {
	buf := make([]byte, 0, len(rec.ID)+len(rec.Payload)+len(rec.TxnID)+32)
	buf = protowire.AppendTag(buf, messageFieldSeq, protowire.VarintType)
	buf = protowire.AppendVarint(buf, rec.Seq)
	if rec.ID != "" {
		buf = protowire.AppendTag(buf, messageFieldID, protowire.BytesType)
		buf = protowire.AppendString(buf, rec.ID)
	}
	if len(rec.Payload) > 0 {
		buf = protowire.AppendTag(buf, messageFieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, rec.Payload)
	}
	if rec.TxnID != "" {
		buf = protowire.AppendTag(buf, messageFieldTxnID, protowire.BytesType)
		buf = protowire.AppendString(buf, rec.TxnID)
	}
	if rec.Durable {
		buf = protowire.AppendTag(buf, messageFieldDurable, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeBool(true))
	}
	return buf
}

// UnmarshalMessageRecord decodes a record produced by MarshalMessageRecord.
func UnmarshalMessageRecord(payload []byte) (MessageRecord, error) {
	var rec MessageRecord
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == messageFieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			rec.Seq = v
			return n, nil
		case num == messageFieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			rec.ID = v
			return n, nil
		case num == messageFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				rec.Payload = append([]byte(nil), v...)
			}
			return n, nil
		case num == messageFieldTxnID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			rec.TxnID = v
			return n, nil
		case num == messageFieldDurable && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			rec.Durable = protowire.DecodeBool(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return MessageRecord{}, fmt.Errorf("storage: decode message record: %w", err)
	}
	return rec, nil
}

func walkFields(payload []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return protowire.ParseError(n)
		}
		payload = payload[n:]
		m, err := field(num, typ, payload)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		payload = payload[m:]
	}
	return nil
}
