package wire

import "fmt"

// EncodeClientToServerMessage serializes an outbound envelope to bytes
// suitable for WriteFrame. The body is a tag byte (the Action) followed by
// the header and then every section in the same fixed order whatever the
// action; absent sections are written empty or flagged absent.
func EncodeClientToServerMessage(m *ClientToServerMessage) []byte {
	e := &encoder{}

	e.putUint8(uint8(m.Action))
	encodeClientHeader(e, m.Header)

	e.putBytes(m.Nonce)
	e.putBytes(m.ClientID)

	e.putBool(m.ApplicationClientID != nil)
	if m.ApplicationClientID != nil {
		encodeClientExternalID(e, *m.ApplicationClientID)
	}

	e.putUint32(uint32(len(m.RegisterOperations)))
	for _, op := range m.RegisterOperations {
		encodeRegisterOperation(e, op)
	}

	e.putUint32(uint32(len(m.AckedInvalidations)))
	for _, ack := range m.AckedInvalidations {
		encodeObjectID(e, ack.ObjectID)
		e.putInt64(ack.Version)
	}

	e.putUint32(uint32(len(m.SyncSubtrees)))
	for _, s := range m.SyncSubtrees {
		e.putBytes(s.Data)
	}

	e.putBool(m.Info != nil)
	if m.Info != nil {
		encodeInfoMessage(e, *m.Info)
	}

	return e.bytes()
}

// DecodeClientToServerMessage is the inverse of EncodeClientToServerMessage.
func DecodeClientToServerMessage(blob []byte) (*ClientToServerMessage, error) {
	d := newDecoder(blob)
	m := &ClientToServerMessage{}

	action, err := d.getUint8()
	if err != nil {
		return nil, fmt.Errorf("wire: decode action: %w", err)
	}
	m.Action = Action(action)

	if m.Header, err = decodeClientHeader(d); err != nil {
		return nil, fmt.Errorf("wire: decode header: %w", err)
	}

	if m.Nonce, err = d.getBytes(); err != nil {
		return nil, fmt.Errorf("wire: decode nonce: %w", err)
	}
	if m.ClientID, err = d.getBytes(); err != nil {
		return nil, fmt.Errorf("wire: decode client id: %w", err)
	}

	hasAppID, err := d.getBool()
	if err != nil {
		return nil, fmt.Errorf("wire: decode app id flag: %w", err)
	}
	if hasAppID {
		id, err := decodeClientExternalID(d)
		if err != nil {
			return nil, fmt.Errorf("wire: decode app id: %w", err)
		}
		m.ApplicationClientID = &id
	}

	opCount, err := d.getUint32()
	if err != nil {
		return nil, fmt.Errorf("wire: decode register op count: %w", err)
	}
	if opCount > 0 {
		m.RegisterOperations = make([]RegisterOperation, 0, opCount)
	}
	for i := uint32(0); i < opCount; i++ {
		op, err := decodeRegisterOperation(d)
		if err != nil {
			return nil, fmt.Errorf("wire: decode register op %d: %w", i, err)
		}
		m.RegisterOperations = append(m.RegisterOperations, op)
	}

	ackCount, err := d.getUint32()
	if err != nil {
		return nil, fmt.Errorf("wire: decode ack count: %w", err)
	}
	if ackCount > 0 {
		m.AckedInvalidations = make([]AckedInvalidation, 0, ackCount)
	}
	for i := uint32(0); i < ackCount; i++ {
		oid, err := decodeObjectID(d)
		if err != nil {
			return nil, fmt.Errorf("wire: decode ack %d object id: %w", i, err)
		}
		version, err := d.getInt64()
		if err != nil {
			return nil, fmt.Errorf("wire: decode ack %d version: %w", i, err)
		}
		m.AckedInvalidations = append(m.AckedInvalidations, AckedInvalidation{ObjectID: oid, Version: version})
	}

	subtreeCount, err := d.getUint32()
	if err != nil {
		return nil, fmt.Errorf("wire: decode subtree count: %w", err)
	}
	if subtreeCount > 0 {
		m.SyncSubtrees = make([]RegistrationSubtree, 0, subtreeCount)
	}
	for i := uint32(0); i < subtreeCount; i++ {
		data, err := d.getBytes()
		if err != nil {
			return nil, fmt.Errorf("wire: decode subtree %d: %w", i, err)
		}
		m.SyncSubtrees = append(m.SyncSubtrees, RegistrationSubtree{Data: data})
	}

	hasInfo, err := d.getBool()
	if err != nil {
		return nil, fmt.Errorf("wire: decode info flag: %w", err)
	}
	if hasInfo {
		info, err := decodeInfoMessage(d)
		if err != nil {
			return nil, fmt.Errorf("wire: decode info: %w", err)
		}
		m.Info = &info
	}

	if !d.done() {
		return nil, fmt.Errorf("wire: %d trailing bytes after client-to-server message", len(d.buf)-d.pos)
	}

	return m, nil
}

// EncodeServerToClientMessage serializes an inbound envelope to bytes.
func EncodeServerToClientMessage(m *ServerToClientMessage) []byte {
	e := &encoder{}

	e.putUint8(uint8(m.MessageType))
	e.putInt32(int32(m.Status.Code))
	e.putString(m.Status.Description)

	e.putBytes(m.ClientID)
	e.putBytes(m.SessionToken)
	e.putBytes(m.Nonce)

	e.putBool(m.HasClientType)
	e.putInt32(m.ClientType)

	e.putBool(m.AppClientID != nil)
	if m.AppClientID != nil {
		encodeClientExternalID(e, *m.AppClientID)
	}

	e.putBool(m.HasNextPollIntervalMs)
	e.putInt64(m.NextPollIntervalMs)

	e.putBool(m.HasNextHeartbeatMs)
	e.putInt64(m.NextHeartbeatIntervalMs)

	e.putUint32(uint32(len(m.Invalidations)))
	for _, inv := range m.Invalidations {
		encodeObjectID(e, inv.ObjectID)
		e.putInt64(inv.Version)
		e.putBytes(inv.Payload)
	}

	e.putUint32(uint32(len(m.RegistrationResults)))
	for _, r := range m.RegistrationResults {
		encodeRegisterOperation(e, r.Operation)
		e.putInt32(int32(r.Status.Code))
		e.putString(r.Status.Description)
	}

	e.putBool(m.RegistrationSyncRequest)
	e.putBool(m.InfoRequest)
	e.putBool(m.InvalidateAllObjects)

	return e.bytes()
}

// DecodeServerToClientMessage is the inverse of EncodeServerToClientMessage.
func DecodeServerToClientMessage(blob []byte) (*ServerToClientMessage, error) {
	d := newDecoder(blob)
	m := &ServerToClientMessage{}

	msgType, err := d.getUint8()
	if err != nil {
		return nil, fmt.Errorf("wire: decode message type: %w", err)
	}
	m.MessageType = MessageType(msgType)

	statusCode, err := d.getInt32()
	if err != nil {
		return nil, fmt.Errorf("wire: decode status code: %w", err)
	}
	m.Status.Code = StatusCode(statusCode)
	if m.Status.Description, err = d.getString(); err != nil {
		return nil, fmt.Errorf("wire: decode status description: %w", err)
	}

	if m.ClientID, err = d.getBytes(); err != nil {
		return nil, fmt.Errorf("wire: decode client id: %w", err)
	}
	if m.SessionToken, err = d.getBytes(); err != nil {
		return nil, fmt.Errorf("wire: decode session token: %w", err)
	}
	if m.Nonce, err = d.getBytes(); err != nil {
		return nil, fmt.Errorf("wire: decode nonce: %w", err)
	}

	if m.HasClientType, err = d.getBool(); err != nil {
		return nil, fmt.Errorf("wire: decode client type flag: %w", err)
	}
	if m.ClientType, err = d.getInt32(); err != nil {
		return nil, fmt.Errorf("wire: decode client type: %w", err)
	}

	hasAppID, err := d.getBool()
	if err != nil {
		return nil, fmt.Errorf("wire: decode app id flag: %w", err)
	}
	if hasAppID {
		id, err := decodeClientExternalID(d)
		if err != nil {
			return nil, fmt.Errorf("wire: decode app id: %w", err)
		}
		m.AppClientID = &id
	}

	if m.HasNextPollIntervalMs, err = d.getBool(); err != nil {
		return nil, fmt.Errorf("wire: decode poll interval flag: %w", err)
	}
	if m.NextPollIntervalMs, err = d.getInt64(); err != nil {
		return nil, fmt.Errorf("wire: decode poll interval: %w", err)
	}

	if m.HasNextHeartbeatMs, err = d.getBool(); err != nil {
		return nil, fmt.Errorf("wire: decode heartbeat flag: %w", err)
	}
	if m.NextHeartbeatIntervalMs, err = d.getInt64(); err != nil {
		return nil, fmt.Errorf("wire: decode heartbeat interval: %w", err)
	}

	invCount, err := d.getUint32()
	if err != nil {
		return nil, fmt.Errorf("wire: decode invalidation count: %w", err)
	}
	if invCount > 0 {
		m.Invalidations = make([]Invalidation, 0, invCount)
	}
	for i := uint32(0); i < invCount; i++ {
		oid, err := decodeObjectID(d)
		if err != nil {
			return nil, fmt.Errorf("wire: decode invalidation %d object id: %w", i, err)
		}
		version, err := d.getInt64()
		if err != nil {
			return nil, fmt.Errorf("wire: decode invalidation %d version: %w", i, err)
		}
		payload, err := d.getBytes()
		if err != nil {
			return nil, fmt.Errorf("wire: decode invalidation %d payload: %w", i, err)
		}
		m.Invalidations = append(m.Invalidations, Invalidation{ObjectID: oid, Version: version, Payload: payload})
	}

	resultCount, err := d.getUint32()
	if err != nil {
		return nil, fmt.Errorf("wire: decode registration result count: %w", err)
	}
	if resultCount > 0 {
		m.RegistrationResults = make([]RegistrationResult, 0, resultCount)
	}
	for i := uint32(0); i < resultCount; i++ {
		op, err := decodeRegisterOperation(d)
		if err != nil {
			return nil, fmt.Errorf("wire: decode registration result %d op: %w", i, err)
		}
		code, err := d.getInt32()
		if err != nil {
			return nil, fmt.Errorf("wire: decode registration result %d status: %w", i, err)
		}
		desc, err := d.getString()
		if err != nil {
			return nil, fmt.Errorf("wire: decode registration result %d description: %w", i, err)
		}
		m.RegistrationResults = append(m.RegistrationResults, RegistrationResult{
			Operation: op,
			Status:    Status{Code: StatusCode(code), Description: desc},
		})
	}

	if m.RegistrationSyncRequest, err = d.getBool(); err != nil {
		return nil, fmt.Errorf("wire: decode sync request flag: %w", err)
	}
	if m.InfoRequest, err = d.getBool(); err != nil {
		return nil, fmt.Errorf("wire: decode info request flag: %w", err)
	}
	if m.InvalidateAllObjects, err = d.getBool(); err != nil {
		return nil, fmt.Errorf("wire: decode invalidate-all flag: %w", err)
	}

	if !d.done() {
		return nil, fmt.Errorf("wire: %d trailing bytes after server-to-client message", len(d.buf)-d.pos)
	}

	return m, nil
}

func encodeClientHeader(e *encoder, h ClientHeader) {
	e.putBytes(h.ClientToken)
	e.putUint32(h.RegistrationSummary.Count)
	e.putUint64(h.RegistrationSummary.Hash)
	e.putInt64(h.ClientTimeMs)
	e.putUint64(h.MessageID)
	e.putInt32(h.ClientType)
	e.putInt32(h.ProtocolVersion)
	e.putInt32(h.ClientVersion)
}

func decodeClientHeader(d *decoder) (ClientHeader, error) {
	var h ClientHeader
	var err error

	if h.ClientToken, err = d.getBytes(); err != nil {
		return h, err
	}
	if h.RegistrationSummary.Count, err = d.getUint32(); err != nil {
		return h, err
	}
	if h.RegistrationSummary.Hash, err = d.getUint64(); err != nil {
		return h, err
	}
	if h.ClientTimeMs, err = d.getInt64(); err != nil {
		return h, err
	}
	if h.MessageID, err = d.getUint64(); err != nil {
		return h, err
	}
	if h.ClientType, err = d.getInt32(); err != nil {
		return h, err
	}
	if h.ProtocolVersion, err = d.getInt32(); err != nil {
		return h, err
	}
	if h.ClientVersion, err = d.getInt32(); err != nil {
		return h, err
	}

	return h, nil
}

func encodeClientExternalID(e *encoder, id ClientExternalID) {
	e.putInt32(id.ClientType)
	e.putBytes(id.ApplicationClientID)
}

func decodeClientExternalID(d *decoder) (ClientExternalID, error) {
	var id ClientExternalID
	var err error

	if id.ClientType, err = d.getInt32(); err != nil {
		return id, err
	}
	if id.ApplicationClientID, err = d.getBytes(); err != nil {
		return id, err
	}

	return id, nil
}

func encodeObjectID(e *encoder, oid ObjectID) {
	e.putInt32(oid.Source)
	e.putString(oid.Name)
}

func decodeObjectID(d *decoder) (ObjectID, error) {
	var oid ObjectID
	var err error

	if oid.Source, err = d.getInt32(); err != nil {
		return oid, err
	}
	if oid.Name, err = d.getString(); err != nil {
		return oid, err
	}

	return oid, nil
}

func encodeRegisterOperation(e *encoder, op RegisterOperation) {
	encodeObjectID(e, op.ObjectID)
	e.putUint64(op.SequenceNumber)
	e.putUint8(uint8(op.Type))
}

func decodeRegisterOperation(d *decoder) (RegisterOperation, error) {
	var op RegisterOperation
	var err error

	if op.ObjectID, err = decodeObjectID(d); err != nil {
		return op, err
	}
	if op.SequenceNumber, err = d.getUint64(); err != nil {
		return op, err
	}
	opType, err := d.getUint8()
	if err != nil {
		return op, err
	}
	op.Type = RegistrationOpType(opType)

	return op, nil
}

func encodeInfoMessage(e *encoder, info InfoMessage) {
	e.putUint32(uint32(len(info.PerformanceCounters)))
	for _, kv := range info.PerformanceCounters {
		e.putString(kv.Key)
		e.putInt64(kv.Value)
	}

	e.putUint32(uint32(len(info.ConfigParams)))
	for _, kv := range info.ConfigParams {
		e.putString(kv.Key)
		e.putInt64(kv.Value)
	}
}

func decodeInfoMessage(d *decoder) (InfoMessage, error) {
	var info InfoMessage

	perfCount, err := d.getUint32()
	if err != nil {
		return info, err
	}
	if perfCount > 0 {
		info.PerformanceCounters = make([]KeyValue, 0, perfCount)
	}
	for i := uint32(0); i < perfCount; i++ {
		kv, err := decodeKeyValue(d)
		if err != nil {
			return info, err
		}
		info.PerformanceCounters = append(info.PerformanceCounters, kv)
	}

	cfgCount, err := d.getUint32()
	if err != nil {
		return info, err
	}
	if cfgCount > 0 {
		info.ConfigParams = make([]KeyValue, 0, cfgCount)
	}
	for i := uint32(0); i < cfgCount; i++ {
		kv, err := decodeKeyValue(d)
		if err != nil {
			return info, err
		}
		info.ConfigParams = append(info.ConfigParams, kv)
	}

	return info, nil
}

func decodeKeyValue(d *decoder) (KeyValue, error) {
	var kv KeyValue
	var err error

	if kv.Key, err = d.getString(); err != nil {
		return kv, err
	}
	if kv.Value, err = d.getInt64(); err != nil {
		return kv, err
	}

	return kv, nil
}
