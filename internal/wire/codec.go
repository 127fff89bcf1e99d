package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Schema-tagged payload encoding. Each field is a key varint (tag<<3 |
// wire-type) followed by the value. Wire types: 0 varint, 1 fixed64,
// 2 length-delimited, 5 fixed32. Unknown tags are skipped by wire type;
// the decoders are tolerant and never tear down the connection.
const (
	wireVarint  = 0
	wireFixed64 = 1
	wireBytes   = 2
	wireFixed32 = 5
)

// -- encoding helpers --

func appendKey(buf []byte, tag int, wt byte) []byte {
	return binary.AppendUvarint(buf, uint64(tag)<<3|uint64(wt))
}

func appendVarintField(buf []byte, tag int, v uint64) []byte {
	buf = appendKey(buf, tag, wireVarint)
	return binary.AppendUvarint(buf, v)
}

func appendBoolField(buf []byte, tag int, v bool) []byte {
	if !v {
		return buf
	}
	return appendVarintField(buf, tag, 1)
}

func appendBytesField(buf []byte, tag int, v []byte) []byte {
	buf = appendKey(buf, tag, wireBytes)
	buf = binary.AppendUvarint(buf, uint64(len(v)))
	return append(buf, v...)
}

func appendStringField(buf []byte, tag int, v string) []byte {
	if v == "" {
		return buf
	}
	return appendBytesField(buf, tag, []byte(v))
}

func appendDoubleField(buf []byte, tag int, v float64) []byte {
	if v == 0 {
		return buf
	}
	buf = appendKey(buf, tag, wireFixed64)
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
}

// map<string,string> entries: nested messages with key=1, value=2.
func appendMapField(buf []byte, tag int, m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendStringField(entry, 1, k)
		entry = appendStringField(entry, 2, m[k])
		buf = appendBytesField(buf, tag, entry)
	}
	return buf
}

// -- decoding helpers --

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) done() bool { return d.pos >= len(d.buf) }

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("truncated varint at offset %d", d.pos)
	}
	d.pos += n
	return v, nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)-d.pos) {
		return nil, fmt.Errorf("field length %d exceeds remaining %d bytes", n, len(d.buf)-d.pos)
	}
	v := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return v, nil
}

func (d *decoder) fixed64() (uint64, error) {
	if len(d.buf)-d.pos < 8 {
		return 0, fmt.Errorf("truncated fixed64 at offset %d", d.pos)
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *decoder) skip(wt byte) error {
	switch wt {
	case wireVarint:
		_, err := d.uvarint()
		return err
	case wireFixed64:
		_, err := d.fixed64()
		return err
	case wireBytes:
		_, err := d.bytes()
		return err
	case wireFixed32:
		if len(d.buf)-d.pos < 4 {
			return fmt.Errorf("truncated fixed32 at offset %d", d.pos)
		}
		d.pos += 4
		return nil
	default:
		return fmt.Errorf("unsupported wire type %d", wt)
	}
}

func decodeMapEntry(entry []byte) (key, value string, err error) {
	d := &decoder{buf: entry}
	for !d.done() {
		k, err := d.uvarint()
		if err != nil {
			return "", "", err
		}
		tag, wt := int(k>>3), byte(k&7)
		switch {
		case tag == 1 && wt == wireBytes:
			b, err := d.bytes()
			if err != nil {
				return "", "", err
			}
			key = string(b)
		case tag == 2 && wt == wireBytes:
			b, err := d.bytes()
			if err != nil {
				return "", "", err
			}
			value = string(b)
		default:
			if err := d.skip(wt); err != nil {
				return "", "", err
			}
		}
	}
	return key, value, nil
}

// -- Request --

// EncodeRequest serializes a request payload.
func EncodeRequest(r *Request) []byte {
	var buf []byte
	if r.Operation != 0 {
		buf = appendVarintField(buf, 1, uint64(r.Operation))
	}
	buf = appendStringField(buf, 2, r.Path)
	buf = appendStringField(buf, 3, r.Name)
	if len(r.Data) > 0 {
		buf = appendBytesField(buf, 4, r.Data)
	}
	buf = appendStringField(buf, 5, r.NewName)
	buf = appendMapField(buf, 6, r.Options)
	buf = appendBoolField(buf, 7, r.IsChunk)
	if r.HasChunkIndex || r.ChunkIndex > 0 {
		buf = appendVarintField(buf, 8, uint64(r.ChunkIndex))
	}
	if r.TotalChunks > 0 {
		buf = appendVarintField(buf, 9, uint64(r.TotalChunks))
	}
	buf = appendStringField(buf, 10, r.ChunkHash)
	buf = appendStringField(buf, 11, r.ClientID)
	buf = appendStringField(buf, 12, r.Version)
	for _, f := range r.SupportedFormats {
		buf = appendBytesField(buf, 13, []byte(f))
	}
	buf = appendStringField(buf, 14, r.Filename)
	if r.FileSize > 0 {
		buf = appendVarintField(buf, 15, uint64(r.FileSize))
	}
	buf = appendStringField(buf, 16, r.Checksum)
	if r.ChunkSize > 0 {
		buf = appendVarintField(buf, 17, uint64(r.ChunkSize))
	}
	buf = appendStringField(buf, 18, r.PreferredFormat)
	return buf
}

// DecodeRequest parses a request payload. It never fails: on a malformed
// field it returns the fields parsed so far with the operation forced to
// PING and a diagnostic attached, so the dispatcher answers normally.
func DecodeRequest(payload []byte) *Request {
	r := &Request{}
	d := &decoder{buf: payload}

	fail := func(err error) *Request {
		r.Operation = OpPing
		r.Diagnostic = fmt.Sprintf("malformed request payload: %v", err)
		return r
	}

	for !d.done() {
		k, err := d.uvarint()
		if err != nil {
			return fail(err)
		}
		tag, wt := int(k>>3), byte(k&7)

		switch tag {
		case 1:
			v, err := d.uvarint()
			if err != nil {
				return fail(err)
			}
			r.Operation = OpCode(v)
		case 2, 3, 5, 10, 11, 12, 14, 16, 18:
			b, err := d.bytes()
			if err != nil {
				return fail(err)
			}
			s := string(b)
			switch tag {
			case 2:
				r.Path = s
			case 3:
				r.Name = s
			case 5:
				r.NewName = s
			case 10:
				r.ChunkHash = s
			case 11:
				r.ClientID = s
			case 12:
				r.Version = s
			case 14:
				r.Filename = s
			case 16:
				r.Checksum = s
			case 18:
				r.PreferredFormat = s
			}
		case 4:
			b, err := d.bytes()
			if err != nil {
				return fail(err)
			}
			r.Data = append([]byte(nil), b...)
		case 6:
			entry, err := d.bytes()
			if err != nil {
				return fail(err)
			}
			key, value, err := decodeMapEntry(entry)
			if err != nil {
				return fail(err)
			}
			if r.Options == nil {
				r.Options = make(map[string]string)
			}
			r.Options[key] = value
		case 7:
			v, err := d.uvarint()
			if err != nil {
				return fail(err)
			}
			r.IsChunk = v != 0
		case 8:
			v, err := d.uvarint()
			if err != nil {
				return fail(err)
			}
			r.ChunkIndex = int64(v)
			r.HasChunkIndex = true
		case 9:
			v, err := d.uvarint()
			if err != nil {
				return fail(err)
			}
			r.TotalChunks = int64(v)
		case 13:
			b, err := d.bytes()
			if err != nil {
				return fail(err)
			}
			r.SupportedFormats = append(r.SupportedFormats, string(b))
		case 15:
			v, err := d.uvarint()
			if err != nil {
				return fail(err)
			}
			r.FileSize = int64(v)
		case 17:
			v, err := d.uvarint()
			if err != nil {
				return fail(err)
			}
			r.ChunkSize = int64(v)
		default:
			if err := d.skip(wt); err != nil {
				return fail(err)
			}
		}
	}
	return r
}

// -- FileInfo / ServerInfo --

func encodeFileInfo(fi *FileInfo) []byte {
	var buf []byte
	buf = appendStringField(buf, 1, fi.Name)
	buf = appendStringField(buf, 2, fi.Path)
	buf = appendStringField(buf, 3, fi.Type)
	if fi.Size > 0 {
		buf = appendVarintField(buf, 4, uint64(fi.Size))
	}
	buf = appendStringField(buf, 5, fi.LastModified)
	buf = appendStringField(buf, 6, fi.Permissions)
	buf = appendBoolField(buf, 7, fi.Readonly)
	buf = appendStringField(buf, 8, fi.MimeType)
	return buf
}

func decodeFileInfo(payload []byte) (FileInfo, error) {
	var fi FileInfo
	d := &decoder{buf: payload}
	for !d.done() {
		k, err := d.uvarint()
		if err != nil {
			return fi, err
		}
		tag, wt := int(k>>3), byte(k&7)
		switch tag {
		case 1, 2, 3, 5, 6, 8:
			b, err := d.bytes()
			if err != nil {
				return fi, err
			}
			s := string(b)
			switch tag {
			case 1:
				fi.Name = s
			case 2:
				fi.Path = s
			case 3:
				fi.Type = s
			case 5:
				fi.LastModified = s
			case 6:
				fi.Permissions = s
			case 8:
				fi.MimeType = s
			}
		case 4:
			v, err := d.uvarint()
			if err != nil {
				return fi, err
			}
			fi.Size = int64(v)
		case 7:
			v, err := d.uvarint()
			if err != nil {
				return fi, err
			}
			fi.Readonly = v != 0
		default:
			if err := d.skip(wt); err != nil {
				return fi, err
			}
		}
	}
	return fi, nil
}

func encodeServerInfo(si *ServerInfo) []byte {
	var buf []byte
	buf = appendStringField(buf, 1, si.Name)
	buf = appendStringField(buf, 2, si.Version)
	buf = appendStringField(buf, 3, si.Protocol)
	for _, f := range si.SupportedFormats {
		buf = appendBytesField(buf, 4, []byte(f))
	}
	buf = appendStringField(buf, 5, si.RootDir)
	if si.MaxFileSize > 0 {
		buf = appendVarintField(buf, 6, uint64(si.MaxFileSize))
	}
	if si.ChunkSize > 0 {
		buf = appendVarintField(buf, 7, uint64(si.ChunkSize))
	}
	if si.ConcurrentOperations > 0 {
		buf = appendVarintField(buf, 8, uint64(si.ConcurrentOperations))
	}
	return buf
}

func decodeServerInfo(payload []byte) (*ServerInfo, error) {
	si := &ServerInfo{}
	d := &decoder{buf: payload}
	for !d.done() {
		k, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		tag, wt := int(k>>3), byte(k&7)
		switch tag {
		case 1, 2, 3, 5:
			b, err := d.bytes()
			if err != nil {
				return nil, err
			}
			s := string(b)
			switch tag {
			case 1:
				si.Name = s
			case 2:
				si.Version = s
			case 3:
				si.Protocol = s
			case 5:
				si.RootDir = s
			}
		case 4:
			b, err := d.bytes()
			if err != nil {
				return nil, err
			}
			si.SupportedFormats = append(si.SupportedFormats, string(b))
		case 6, 7, 8:
			v, err := d.uvarint()
			if err != nil {
				return nil, err
			}
			switch tag {
			case 6:
				si.MaxFileSize = int64(v)
			case 7:
				si.ChunkSize = int64(v)
			case 8:
				si.ConcurrentOperations = int64(v)
			}
		default:
			if err := d.skip(wt); err != nil {
				return nil, err
			}
		}
	}
	return si, nil
}

// -- Response --

// EncodeResponse serializes a response payload.
func EncodeResponse(r *Response) []byte {
	var buf []byte
	buf = appendBoolField(buf, 1, r.Success)
	buf = appendStringField(buf, 2, r.Message)
	for i := range r.Files {
		buf = appendBytesField(buf, 3, encodeFileInfo(&r.Files[i]))
	}
	if len(r.Data) > 0 {
		buf = appendBytesField(buf, 4, r.Data)
	}
	buf = appendBoolField(buf, 5, r.IsChunk)
	if r.ChunkIndex > 0 {
		buf = appendVarintField(buf, 6, uint64(r.ChunkIndex))
	}
	if r.TotalChunks > 0 {
		buf = appendVarintField(buf, 7, uint64(r.TotalChunks))
	}
	buf = appendStringField(buf, 8, r.ChunkHash)
	if r.ProcessTimeMs > 0 {
		buf = appendVarintField(buf, 9, uint64(r.ProcessTimeMs))
	}
	if r.FileSize > 0 {
		buf = appendVarintField(buf, 10, uint64(r.FileSize))
	}
	buf = appendDoubleField(buf, 11, r.ProgressPercent)
	buf = appendStringField(buf, 12, r.Status)
	buf = appendStringField(buf, 13, r.SelectedFormat)
	for _, c := range r.SupportedCommands {
		buf = appendBytesField(buf, 14, []byte(c))
	}
	if r.ServerInfo != nil {
		buf = appendBytesField(buf, 15, encodeServerInfo(r.ServerInfo))
	}
	if r.Timestamp > 0 {
		buf = appendVarintField(buf, 16, uint64(r.Timestamp))
	}
	buf = appendStringField(buf, 17, r.SessionID)
	if r.AcceptedChunkSize > 0 {
		buf = appendVarintField(buf, 18, uint64(r.AcceptedChunkSize))
	}
	return buf
}

// DecodeResponse parses a response payload. Test clients use this; the
// server itself only encodes responses.
func DecodeResponse(payload []byte) (*Response, error) {
	r := &Response{}
	d := &decoder{buf: payload}
	for !d.done() {
		k, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		tag, wt := int(k>>3), byte(k&7)
		switch tag {
		case 1, 5:
			v, err := d.uvarint()
			if err != nil {
				return nil, err
			}
			if tag == 1 {
				r.Success = v != 0
			} else {
				r.IsChunk = v != 0
			}
		case 2, 8, 12, 13, 17:
			b, err := d.bytes()
			if err != nil {
				return nil, err
			}
			s := string(b)
			switch tag {
			case 2:
				r.Message = s
			case 8:
				r.ChunkHash = s
			case 12:
				r.Status = s
			case 13:
				r.SelectedFormat = s
			case 17:
				r.SessionID = s
			}
		case 3:
			b, err := d.bytes()
			if err != nil {
				return nil, err
			}
			fi, err := decodeFileInfo(b)
			if err != nil {
				return nil, err
			}
			r.Files = append(r.Files, fi)
		case 4:
			b, err := d.bytes()
			if err != nil {
				return nil, err
			}
			r.Data = append([]byte(nil), b...)
		case 6, 7, 9, 10, 16, 18:
			v, err := d.uvarint()
			if err != nil {
				return nil, err
			}
			switch tag {
			case 6:
				r.ChunkIndex = int64(v)
			case 7:
				r.TotalChunks = int64(v)
			case 9:
				r.ProcessTimeMs = int64(v)
			case 10:
				r.FileSize = int64(v)
			case 16:
				r.Timestamp = int64(v)
			case 18:
				r.AcceptedChunkSize = int64(v)
			}
		case 11:
			v, err := d.fixed64()
			if err != nil {
				return nil, err
			}
			r.ProgressPercent = math.Float64frombits(v)
		case 14:
			b, err := d.bytes()
			if err != nil {
				return nil, err
			}
			r.SupportedCommands = append(r.SupportedCommands, string(b))
		case 15:
			b, err := d.bytes()
			if err != nil {
				return nil, err
			}
			si, err := decodeServerInfo(b)
			if err != nil {
				return nil, err
			}
			r.ServerInfo = si
		default:
			if err := d.skip(wt); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}
