// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package enctext stores descriptor strings as raw bytes tagged with their
// source encoding, converting to UTF-8/UTF-16 only on demand. This is the
// "unicode-conversion collaborator" spec.md §9 calls for in place of
// hand-written conversion tables: conversion is delegated to
// golang.org/x/text, the same module the teacher repo already depends on
// for Windows codepage and legacy-string handling (see
// detector/weakcredentials/winlocal/samreg for the UTF-16 precedent).
package enctext

import (
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Tag identifies the codepage raw descriptor bytes were written in.
type Tag int

// Supported tags. UTF8 is the VMDK descriptor default; Windows1252 covers
// the common "encoding=\"windows-1252\"" declaration (spec.md §4.3, §6).
const (
	UTF8 Tag = iota
	Windows1252
)

// Text is a descriptor string kept as (bytes, encoding tag) per spec.md §3,
// converted to a concrete Go string only when the caller asks for one.
type Text struct {
	Raw []byte
	Tag Tag
}

// New wraps raw bytes with the given tag.
func New(raw []byte, tag Tag) Text {
	return Text{Raw: append([]byte(nil), raw...), Tag: tag}
}

// FromUTF8String is a convenience constructor for already-decoded strings.
func FromUTF8String(s string) Text {
	return Text{Raw: []byte(s), Tag: UTF8}
}

func (t Text) encoder() encoding.Encoding {
	switch t.Tag {
	case Windows1252:
		return charmap.Windows1252
	default:
		return encoding.Nop
	}
}

// UTF8 decodes the raw bytes to a UTF-8 string using the tagged encoding.
func (t Text) UTF8() (string, error) {
	if len(t.Raw) == 0 {
		return "", nil
	}
	out, err := t.encoder().NewDecoder().Bytes(t.Raw)
	if err != nil {
		return "", fmt.Errorf("enctext: decode: %w", err)
	}
	return string(out), nil
}

// UTF16 decodes the raw bytes to UTF-16LE-encoded bytes, for callers that
// need the legacy-Windows wire representation of a parent filename
// (spec.md §4.9, "parent_filename (UTF-8 and UTF-16 views)").
func (t Text) UTF16() ([]byte, error) {
	s, err := t.UTF8()
	if err != nil {
		return nil, err
	}
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	out, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("enctext: encode utf16: %w", err)
	}
	return out, nil
}

// IsEmpty reports whether no bytes are stored.
func (t Text) IsEmpty() bool { return len(t.Raw) == 0 }
