package store

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/netpulse/internal/records"
)

// Envelope field numbers. Shared by every format version.
const (
	fieldVersion protowire.Number = 1
	fieldRecord  protowire.Number = 2
)

// Version 1 record fields.
const (
	v1Timestamp protowire.Number = 1 // seconds
	v1Flags     protowire.Number = 2
	v1LatencyMs protowire.Number = 3
	v1Target    protowire.Number = 4
)

// Version 1 flag bits.
const (
	v1FlagSuccess     = 1 << 0
	v1FlagTimeout     = 1 << 1
	v1FlagUnreachable = 1 << 2
	v1FlagHTTP        = 1 << 12
	v1FlagICMP        = 1 << 14
)

// Version 2 record fields.
const (
	v2Timestamp protowire.Number = 1 // milliseconds
	v2Kind      protowire.Number = 2
	v2Stack     protowire.Number = 3
	v2Target    protowire.Number = 4
	v2Success   protowire.Number = 5
	v2LatencyUs protowire.Number = 6
	v2Cause     protowire.Number = 7
	v2Detail    protowire.Number = 8
)

// writeEnvelope streams the envelope for recs to w. Records are always
// written in the current layout.
func writeEnvelope(w io.Writer, version Version, recs []records.CheckRecord) error {
	bw := bufio.NewWriterSize(w, 64*1024)

	var buf []byte
	buf = protowire.AppendTag(buf, fieldVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(version))
	if _, err := bw.Write(buf); err != nil {
		return err
	}

	var rec []byte
	for i := range recs {
		rec = appendRecordV2(rec[:0], &recs[i])
		buf = protowire.AppendTag(buf[:0], fieldRecord, protowire.BytesType)
		buf = protowire.AppendBytes(buf, rec)
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// decodeEnvelope parses a full decompressed envelope.
func decodeEnvelope(b []byte) (Version, []records.CheckRecord, error) {
	version, rest, err := decodeVersion(b)
	if err != nil {
		return 0, nil, err
	}
	if !version.Known() {
		return version, nil, errUnknownVersion
	}

	recs := make([]records.CheckRecord, 0, len(rest)/24)
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return version, nil, fmt.Errorf("envelope tag: %w", protowire.ParseError(n))
		}
		rest = rest[n:]

		if num != fieldRecord || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, rest)
			if n < 0 {
				return version, nil, fmt.Errorf("envelope field %d: %w", num, protowire.ParseError(n))
			}
			rest = rest[n:]
			continue
		}

		raw, n := protowire.ConsumeBytes(rest)
		if n < 0 {
			return version, nil, fmt.Errorf("record %d: %w", len(recs), protowire.ParseError(n))
		}
		rest = rest[n:]

		var rec records.CheckRecord
		switch version {
		case Version1:
			rec, err = decodeRecordV1(raw)
		case Version2:
			rec, err = decodeRecordV2(raw)
		default:
			return version, nil, errUnknownVersion
		}
		if err != nil {
			return version, nil, fmt.Errorf("record %d: %w", len(recs), err)
		}
		recs = append(recs, rec)
	}
	return version, recs, nil
}

// decodeVersion reads the leading version field of an envelope.
func decodeVersion(b []byte) (Version, []byte, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return 0, nil, fmt.Errorf("version tag: %w", protowire.ParseError(n))
	}
	if num != fieldVersion || typ != protowire.VarintType {
		return 0, nil, fmt.Errorf("envelope does not start with a version field (field %d type %d)", num, typ)
	}
	v, m := protowire.ConsumeVarint(b[n:])
	if m < 0 {
		return 0, nil, fmt.Errorf("version: %w", protowire.ParseError(m))
	}
	if v > uint64(^uint32(0)) {
		return 0, nil, fmt.Errorf("version %d out of range", v)
	}
	return Version(v), b[n+m:], nil
}

func appendRecordV2(b []byte, r *records.CheckRecord) []byte {
	b = protowire.AppendTag(b, v2Timestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.TimestampMs))
	b = protowire.AppendTag(b, v2Kind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Kind))
	b = protowire.AppendTag(b, v2Stack, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Stack))
	b = protowire.AppendTag(b, v2Target, protowire.BytesType)
	b = protowire.AppendBytes(b, addrBytes(r.Target))
	if r.Success {
		b = protowire.AppendTag(b, v2Success, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if r.Latency > 0 {
		b = protowire.AppendTag(b, v2LatencyUs, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Latency.Microseconds()))
	}
	if r.Cause != records.CauseNone {
		b = protowire.AppendTag(b, v2Cause, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Cause))
	}
	if r.Detail != "" {
		b = protowire.AppendTag(b, v2Detail, protowire.BytesType)
		b = protowire.AppendString(b, r.Detail)
	}
	return b
}

func decodeRecordV2(b []byte) (records.CheckRecord, error) {
	var r records.CheckRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num != v2Target && num != v2Detail:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return r, protowire.ParseError(m)
			}
			b = b[m:]
			switch num {
			case v2Timestamp:
				r.TimestampMs = int64(v)
			case v2Kind:
				r.Kind = records.Kind(v)
			case v2Stack:
				r.Stack = records.Stack(v)
			case v2Success:
				r.Success = protowire.DecodeBool(v)
			case v2LatencyUs:
				r.Latency = time.Duration(v) * time.Microsecond
			case v2Cause:
				r.Cause = records.Cause(v)
			}
		case typ == protowire.BytesType && (num == v2Target || num == v2Detail):
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return r, protowire.ParseError(m)
			}
			b = b[m:]
			if num == v2Detail {
				r.Detail = string(v)
				continue
			}
			addr, err := parseAddr(v)
			if err != nil {
				return r, err
			}
			r.Target = addr
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return r, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}

	if !r.Kind.Valid() {
		return r, fmt.Errorf("unknown check kind %d", r.Kind)
	}
	if !r.Stack.Valid() {
		return r, fmt.Errorf("unknown ip stack %d", r.Stack)
	}
	return r, nil
}

func decodeRecordV1(b []byte) (records.CheckRecord, error) {
	var (
		ts, flags, latency uint64
		target             netip.Addr
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return records.CheckRecord{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == v1Target && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return records.CheckRecord{}, protowire.ParseError(m)
			}
			b = b[m:]
			addr, err := parseAddr(v)
			if err != nil {
				return records.CheckRecord{}, err
			}
			target = addr
		case typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return records.CheckRecord{}, protowire.ParseError(m)
			}
			b = b[m:]
			switch num {
			case v1Timestamp:
				ts = v
			case v1Flags:
				flags = v
			case v1LatencyMs:
				latency = v
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return records.CheckRecord{}, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}

	var combo records.Combination
	switch {
	case flags&v1FlagHTTP != 0:
		combo.Kind = records.KindHTTP
	case flags&v1FlagICMP != 0:
		combo.Kind = records.KindICMP
	default:
		return records.CheckRecord{}, fmt.Errorf("legacy record has no supported check type (flags %#x)", flags)
	}
	if !target.IsValid() {
		return records.CheckRecord{}, fmt.Errorf("legacy record has no target")
	}
	combo.Stack = records.StackOf(target)

	tsMs := int64(ts) * 1000
	if flags&v1FlagSuccess != 0 {
		return records.Succeeded(combo, target, tsMs, time.Duration(latency)*time.Millisecond), nil
	}
	cause := records.CauseError
	switch {
	case flags&v1FlagTimeout != 0:
		cause = records.CauseTimeout
	case flags&v1FlagUnreachable != 0:
		cause = records.CauseUnreachable
	}
	return records.Failed(combo, target, tsMs, cause, ""), nil
}

func addrBytes(a netip.Addr) []byte {
	if !a.IsValid() {
		return nil
	}
	if a.Is4() {
		b := a.As4()
		return b[:]
	}
	b := a.As16()
	return b[:]
}

func parseAddr(b []byte) (netip.Addr, error) {
	if len(b) == 0 {
		return netip.Addr{}, nil
	}
	addr, ok := netip.AddrFromSlice(b)
	if !ok {
		return netip.Addr{}, fmt.Errorf("bad address length %d", len(b))
	}
	return addr, nil
}

// AppendRecord appends the current-version encoding of r to b.
func AppendRecord(b []byte, r records.CheckRecord) []byte {
	return appendRecordV2(b, &r)
}

// DecodeRecord decodes one record written by AppendRecord.
func DecodeRecord(b []byte) (records.CheckRecord, error) {
	return decodeRecordV2(b)
}
