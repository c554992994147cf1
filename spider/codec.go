package spider

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// DescriptorVersion is the version written by EncodeDescriptor.
	DescriptorVersion = 2

	// compressionThreshold is the body size above which zstd is tried.
	compressionThreshold = 2048

	maxHeaderSize = 64 * 1024
	maxBodySize   = 16 * 1024 * 1024

	encodingIdentity = "identity"
	encodingZstd     = "zstd"

	legacyTokenFailed = "failed"
)

var descriptorMagic = []byte("GCD2")

var (
	// ErrInvalidDescriptor is returned for data that is not a descriptor in
	// any supported format.
	ErrInvalidDescriptor = errors.New("invalid crawl descriptor")

	// ErrUnsupportedVersion is returned for descriptors newer than this
	// reader understands.
	ErrUnsupportedVersion = errors.New("unsupported crawl descriptor version")
)

// descriptor body field numbers
const (
	fieldGID            protowire.Number = 1
	fieldPages          protowire.Number = 2
	fieldToken          protowire.Number = 3
	fieldStartPage      protowire.Number = 4
	fieldListingPages   protowire.Number = 5
	fieldPerPage        protowire.Number = 6
	fieldPageToken      protowire.Number = 7
	fieldPageTokenIndex protowire.Number = 1
	fieldPageTokenValue protowire.Number = 2
)

type descriptorHeader struct {
	Version  int    `json:"version"`
	Encoding string `json:"encoding"`
	Size     int    `json:"size"`
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBodySize))
)

// EncodeDescriptor serialises d.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODY
// where BODY is a protobuf wire message, zstd compressed when worthwhile.
func EncodeDescriptor(d *Descriptor) ([]byte, error) {
	body := marshalBody(d.snapshot())

	header := descriptorHeader{Version: DescriptorVersion, Encoding: encodingIdentity, Size: len(body)}
	if len(body) >= compressionThreshold {
		if compressed := zstdEncoder.EncodeAll(body, nil); len(compressed) < len(body) {
			body = compressed
			header.Encoding = encodingZstd
		}
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(descriptorMagic)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(headerBytes))) //nolint:gosec // header is a few bytes
	buf.Write(headerBytes)
	buf.Write(body)
	return buf.Bytes(), nil
}

// DecodeDescriptor parses data written by EncodeDescriptor or by the line
// based legacy format.
func DecodeDescriptor(data []byte) (*Descriptor, error) {
	if !bytes.HasPrefix(data, descriptorMagic) {
		return decodeLegacy(data)
	}
	r := bytes.NewReader(data[len(descriptorMagic):])

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("%w: reading header length: %w", ErrInvalidDescriptor, err)
	}
	if headerLen > maxHeaderSize || int(headerLen) > r.Len() {
		return nil, fmt.Errorf("%w: header too large", ErrInvalidDescriptor)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: reading header: %w", ErrInvalidDescriptor, err)
	}
	var header descriptorHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("%w: parsing header: %w", ErrInvalidDescriptor, err)
	}
	if header.Version > DescriptorVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header.Version)
	}

	body := data[len(data)-r.Len():]
	switch header.Encoding {
	case encodingIdentity, "":
	case encodingZstd:
		if header.Size > maxBodySize {
			return nil, fmt.Errorf("%w: body too large", ErrInvalidDescriptor)
		}
		decoded, err := zstdDecoder.DecodeAll(body, make([]byte, 0, header.Size))
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing body: %w", ErrInvalidDescriptor, err)
		}
		body = decoded
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrInvalidDescriptor, header.Encoding)
	}

	st, err := unmarshalBody(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	return st.descriptor(), nil
}

func marshalBody(st descriptorState) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldGID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(st.gid)) //nolint:gosec // gid round trips through uint64
	b = protowire.AppendTag(b, fieldPages, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(st.pages)) //nolint:gosec // pages is non-negative
	if st.token != "" {
		b = protowire.AppendTag(b, fieldToken, protowire.BytesType)
		b = protowire.AppendString(b, st.token)
	}
	b = protowire.AppendTag(b, fieldStartPage, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(st.startPage)))
	b = protowire.AppendTag(b, fieldListingPages, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(st.listingPages)))
	b = protowire.AppendTag(b, fieldPerPage, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(st.perPage)))

	for _, index := range slices.Sorted(maps.Keys(st.tokens)) {
		var e []byte
		e = protowire.AppendTag(e, fieldPageTokenIndex, protowire.VarintType)
		e = protowire.AppendVarint(e, uint64(index)) //nolint:gosec // page indices are non-negative
		e = protowire.AppendTag(e, fieldPageTokenValue, protowire.BytesType)
		e = protowire.AppendString(e, st.tokens[index])
		b = protowire.AppendTag(b, fieldPageToken, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

func unmarshalBody(b []byte) (descriptorState, error) {
	st := descriptorState{listingPages: -1, perPage: -1, tokens: make(map[int]string)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return st, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num <= fieldPerPage:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return st, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldGID:
				st.gid = int64(v) //nolint:gosec // round trip of an int64
			case fieldPages:
				if v > MaxPages {
					return st, fmt.Errorf("page count %d exceeds %d", v, MaxPages)
				}
				st.pages = int(v)
			case fieldStartPage:
				st.startPage = int(protowire.DecodeZigZag(v))
			case fieldListingPages:
				st.listingPages = int(protowire.DecodeZigZag(v))
			case fieldPerPage:
				st.perPage = int(protowire.DecodeZigZag(v))
			}
		case typ == protowire.BytesType && num == fieldToken:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return st, protowire.ParseError(n)
			}
			b = b[n:]
			st.token = v
		case typ == protowire.BytesType && num == fieldPageToken:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return st, protowire.ParseError(n)
			}
			b = b[n:]
			index, token, err := unmarshalPageToken(v)
			if err != nil {
				return st, err
			}
			if token != "" {
				st.tokens[index] = token
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return st, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	// tokens may precede the page count on the wire
	maps.DeleteFunc(st.tokens, func(index int, _ string) bool {
		return index < 0 || index >= st.pages
	})
	return st, nil
}

func unmarshalPageToken(b []byte) (int, string, error) {
	var (
		index int
		token string
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, "", protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldPageTokenIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, "", protowire.ParseError(n)
			}
			b = b[n:]
			index = -1
			if v < MaxPages {
				index = int(v)
			}
		case num == fieldPageTokenValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, "", protowire.ParseError(n)
			}
			b = b[n:]
			token = v
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, "", protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return index, token, nil
}

// decodeLegacy parses the line based format:
//
//	VERSION2            optional, absent in version 1
//	start page          hex in version 2, decimal in version 1
//	gid
//	token
//	mode                ignored
//	listing pages
//	tokens per listing page
//	pages
//	<index> <token>     one line per known token
func decodeLegacy(data []byte) (*Descriptor, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 4096), 1024*1024)

	next := func() (string, bool) {
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				return line, true
			}
		}
		return "", false
	}
	field := func(name string, base int) (int64, error) {
		line, ok := next()
		if !ok {
			return 0, fmt.Errorf("%w: missing %s", ErrInvalidDescriptor, name)
		}
		v, err := strconv.ParseInt(line, base, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: parsing %s: %w", ErrInvalidDescriptor, name, err)
		}
		return v, nil
	}

	first, ok := next()
	if !ok {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDescriptor)
	}
	version := 1
	if v, found := strings.CutPrefix(first, "VERSION"); found {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing version: %w", ErrInvalidDescriptor, err)
		}
		version = n
		if first, ok = next(); !ok {
			return nil, fmt.Errorf("%w: missing start page", ErrInvalidDescriptor)
		}
	}
	base := 10
	if version >= 2 {
		base = 16
	}
	startPage, err := strconv.ParseInt(first, base, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing start page: %w", ErrInvalidDescriptor, err)
	}

	gid, err := field("gid", 10)
	if err != nil {
		return nil, err
	}
	token, ok := next()
	if !ok {
		return nil, fmt.Errorf("%w: missing token", ErrInvalidDescriptor)
	}
	if _, ok := next(); !ok {
		return nil, fmt.Errorf("%w: missing mode", ErrInvalidDescriptor)
	}
	listingPages, err := field("listing pages", 10)
	if err != nil {
		return nil, err
	}
	perPage, err := field("tokens per listing page", 10)
	if err != nil {
		return nil, err
	}
	pages, err := field("pages", 10)
	if err != nil {
		return nil, err
	}
	if pages < 0 || pages > MaxPages {
		return nil, fmt.Errorf("%w: page count %d out of range", ErrInvalidDescriptor, pages)
	}

	d := NewDescriptor(gid, token, int(pages))
	d.startPage = int(startPage)
	d.listingPages = int(listingPages)
	d.perPage = int(perPage)
	for {
		line, ok := next()
		if !ok {
			break
		}
		idx, tok, found := strings.Cut(line, " ")
		if !found {
			continue
		}
		index, err := strconv.Atoi(idx)
		if err != nil || index < 0 || index >= d.Pages {
			continue
		}
		if tok = strings.TrimSpace(tok); tok != "" && tok != legacyTokenFailed {
			d.tokens[index] = tok
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	return d, nil
}
