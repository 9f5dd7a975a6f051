package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// ErrNoVersionInfo is returned when the image carries no VS_VERSIONINFO resource.
var ErrNoVersionInfo = errors.New("no version resource")

const (
	rtVersion          = 16
	fixedFileSignature = 0xFEEF04BD
	maxResourceDepth   = 3
)

// VersionInfo is the decoded VS_VERSIONINFO resource.
type VersionInfo struct {
	FileVersion    [4]uint16
	ProductVersion [4]uint16
	// Language and CodePage come from the first VarFileInfo translation, or
	// from the StringFileInfo table key when no translation is present.
	Language uint16
	CodePage uint16
	Strings  map[string]string
}

// ProductName returns the ProductName string, falling back to InternalName.
func (v *VersionInfo) ProductName() string {
	if name := v.Strings["ProductName"]; name != "" {
		return name
	}
	return v.Strings["InternalName"]
}

type resourceDirectory struct {
	Characteristics      uint32
	TimeDateStamp        uint32
	MajorVersion         uint16
	MinorVersion         uint16
	NumberOfNamedEntries uint16
	NumberOfIDEntries    uint16
}

type resourceDirectoryEntry struct {
	NameOrID     uint32
	OffsetToData uint32
}

type resourceDataEntry struct {
	OffsetToData uint32
	Size         uint32
	CodePage     uint32
	Reserved     uint32
}

type fixedFileInfo struct {
	Signature        uint32
	StrucVersion     uint32
	FileVersionMS    uint32
	FileVersionLS    uint32
	ProductVersionMS uint32
	ProductVersionLS uint32
	FileFlagsMask    uint32
	FileFlags        uint32
	FileOS           uint32
	FileType         uint32
	FileSubtype      uint32
	FileDateMS       uint32
	FileDateLS       uint32
}

func (i *Image) resourceRoot() (uint32, error) {
	if i.resourceRVA != 0 && i.SectionForRVA(i.resourceRVA) != nil {
		return i.resourceRVA, nil
	}
	s, err := i.Section(ResourceSection)
	if err != nil {
		return 0, ErrNoVersionInfo
	}
	return s.VirtualAddress, nil
}

// findResource walks the three level resource tree (type, name, language)
// taking the first entry below the requested type.
func (i *Image) findResource(typ uint32) (*resourceDataEntry, error) {
	root, err := i.resourceRoot()
	if err != nil {
		return nil, err
	}
	dir := root
	for depth := 0; depth < maxResourceDepth; depth++ {
		hdr, err := Read[resourceDirectory](i, dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read resource directory: %w", err)
		}
		count := int(hdr.NumberOfNamedEntries) + int(hdr.NumberOfIDEntries)
		var next *resourceDirectoryEntry
		for n := range count {
			e, err := Read[resourceDirectoryEntry](i, dir+16+uint32(n)*8)
			if err != nil {
				return nil, fmt.Errorf("failed to read resource entry: %w", err)
			}
			if depth == 0 && (e.NameOrID&0x80000000 != 0 || e.NameOrID != typ) {
				continue
			}
			next = &e
			break
		}
		if next == nil {
			return nil, ErrNoVersionInfo
		}
		if next.OffsetToData&0x80000000 == 0 {
			data, err := Read[resourceDataEntry](i, root+next.OffsetToData)
			if err != nil {
				return nil, fmt.Errorf("failed to read resource data entry: %w", err)
			}
			return &data, nil
		}
		dir = root + next.OffsetToData&0x7fffffff
	}
	return nil, fmt.Errorf("%w: resource tree too deep", ErrNoVersionInfo)
}

// VersionInfo decodes the image's VS_VERSIONINFO resource.
func (i *Image) VersionInfo() (*VersionInfo, error) {
	entry, err := i.findResource(rtVersion)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, entry.Size)
	if err := i.ReadAt(buf, entry.OffsetToData); err != nil {
		return nil, fmt.Errorf("failed to read version resource: %w", err)
	}
	return ParseVersionInfo(buf)
}

type versionNode struct {
	Key      string
	Type     uint16
	Value    []byte
	Children []versionNode
}

func align4(n int) int {
	return (n + 3) &^ 3
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func decodeUTF16(b []byte) (string, error) {
	out, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\x00"), nil
}

func parseVersionNode(b []byte) (versionNode, int, error) {
	var node versionNode
	if len(b) < 6 {
		return node, 0, fmt.Errorf("%w: version node header", ErrTruncated)
	}
	length := int(binary.LittleEndian.Uint16(b[0:]))
	valueLength := int(binary.LittleEndian.Uint16(b[2:]))
	node.Type = binary.LittleEndian.Uint16(b[4:])
	if length < 6 || length > len(b) {
		return node, 0, fmt.Errorf("%w: version node length %d", ErrTruncated, length)
	}
	b = b[:length]

	pos := 6
	for pos+1 < len(b) && (b[pos] != 0 || b[pos+1] != 0) {
		pos += 2
	}
	key, err := decodeUTF16(b[6:pos])
	if err != nil {
		return node, 0, err
	}
	node.Key = key
	pos = align4(pos + 2)

	if node.Type == 1 {
		valueLength *= 2
	}
	if pos+valueLength > len(b) {
		valueLength = max(len(b)-pos, 0)
	}
	if valueLength > 0 {
		node.Value = b[pos : pos+valueLength]
	}
	pos = align4(pos + valueLength)

	for pos < len(b) {
		child, n, err := parseVersionNode(b[pos:])
		if err != nil {
			return node, 0, err
		}
		node.Children = append(node.Children, child)
		pos = align4(pos + n)
	}
	return node, length, nil
}

// ParseVersionInfo decodes a raw VS_VERSIONINFO blob.
func ParseVersionInfo(data []byte) (*VersionInfo, error) {
	root, _, err := parseVersionNode(data)
	if err != nil {
		return nil, err
	}
	if root.Key != "VS_VERSION_INFO" {
		return nil, fmt.Errorf("%w: unexpected root key %q", ErrNoVersionInfo, root.Key)
	}
	var ffi fixedFileInfo
	if _, err := binary.Decode(root.Value, binary.LittleEndian, &ffi); err != nil {
		return nil, fmt.Errorf("failed to decode VS_FIXEDFILEINFO: %w", err)
	}
	if ffi.Signature != fixedFileSignature {
		return nil, fmt.Errorf("%w: bad VS_FIXEDFILEINFO signature %#x", ErrNoVersionInfo, ffi.Signature)
	}
	info := &VersionInfo{
		FileVersion:    quad(ffi.FileVersionMS, ffi.FileVersionLS),
		ProductVersion: quad(ffi.ProductVersionMS, ffi.ProductVersionLS),
		Strings:        make(map[string]string),
	}

	haveTranslation := false
	for _, child := range root.Children {
		switch child.Key {
		case "StringFileInfo":
			for n, table := range child.Children {
				if n == 0 && len(table.Key) == 8 {
					if lang, err := strconv.ParseUint(table.Key[:4], 16, 16); err == nil && !haveTranslation {
						info.Language = uint16(lang)
					}
					if cp, err := strconv.ParseUint(table.Key[4:], 16, 16); err == nil && !haveTranslation {
						info.CodePage = uint16(cp)
					}
				}
				for _, str := range table.Children {
					val, err := decodeUTF16(str.Value)
					if err != nil {
						return nil, fmt.Errorf("failed to decode %s: %w", str.Key, err)
					}
					if _, dup := info.Strings[str.Key]; !dup {
						info.Strings[str.Key] = val
					}
				}
			}
		case "VarFileInfo":
			for _, v := range child.Children {
				if v.Key == "Translation" && len(v.Value) >= 4 {
					info.Language = binary.LittleEndian.Uint16(v.Value[0:])
					info.CodePage = binary.LittleEndian.Uint16(v.Value[2:])
					haveTranslation = true
				}
			}
		}
	}
	return info, nil
}

func quad(ms, ls uint32) [4]uint16 {
	return [4]uint16{uint16(ms >> 16), uint16(ms), uint16(ls >> 16), uint16(ls)}
}
