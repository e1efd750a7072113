// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package firmware loads the view of a target firmware ELF the flashing
// pipeline consumes: the merged loadable image, the named function entry
// points, and the .heap/.stack ranges the resident flasher uses as its
// working memory.
package firmware

import (
	"debug/elf"
	"fmt"
)

// codeSectionNames are the sections merged into the contiguous image, in
// the order the linker script emits them.
var codeSectionNames = []string{".vectors", ".init", ".text"}

// Range is a section's load placement.
type Range struct {
	Address uint32
	Size    uint32
}

// End returns the first address past the range.
func (r Range) End() uint32 {
	return r.Address + r.Size
}

// Image is the extracted firmware view. Data spans from Address to the
// end of the highest merged section, gaps zero-filled, padded to a
// multiple of 8 bytes.
type Image struct {
	Address   uint32
	Data      []byte
	Heap      Range
	Stack     Range
	Functions map[string]uint32
}

// Function returns the address of a named function in the image.
func (i *Image) Function(name string) (uint32, error) {
	address, ok := i.Functions[name]
	if !ok {
		return 0, fmt.Errorf("firmware: function not found: %s", name)
	}
	return address, nil
}

// Load reads the ELF at path and extracts its image view.
func Load(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("firmware: %w", err)
	}
	defer f.Close()
	return load(f)
}

func load(f *elf.File) (*Image, error) {
	img := &Image{Functions: map[string]uint32{}}
	if err := img.loadSections(f); err != nil {
		return nil, err
	}
	if err := img.loadSymbols(f); err != nil {
		return nil, err
	}
	return img, nil
}

func sectionRange(f *elf.File, name string) (Range, error) {
	section := f.Section(name)
	if section == nil {
		return Range{}, fmt.Errorf("firmware: section not found: %s", name)
	}
	return Range{Address: uint32(section.Addr), Size: uint32(section.Size)}, nil
}

// loadSections merges the code sections into one zero-filled image and
// records the heap and stack placements.
func (i *Image) loadSections(f *elf.File) error {
	var start, end uint32
	first := true
	for _, name := range codeSectionNames {
		r, err := sectionRange(f, name)
		if err != nil {
			return err
		}
		if first {
			start, end = r.Address, r.End()
			first = false
			continue
		}
		if r.Address < start {
			start = r.Address
		}
		if r.End() > end {
			end = r.End()
		}
	}
	size := end - start
	// The resident flasher moves data in 8-byte units; round the image
	// up so the last unit is complete.
	size = (size + 7) &^ 7
	data := make([]byte, size)
	for _, name := range codeSectionNames {
		section := f.Section(name)
		raw, err := section.Data()
		if err != nil {
			return fmt.Errorf("firmware: section %s: %w", name, err)
		}
		copy(data[uint32(section.Addr)-start:], raw)
	}
	i.Address = start
	i.Data = data

	heap, err := sectionRange(f, ".heap")
	if err != nil {
		return err
	}
	stack, err := sectionRange(f, ".stack")
	if err != nil {
		return err
	}
	i.Heap = heap
	i.Stack = stack
	return nil
}

// loadSymbols indexes every function symbol by name. The Thumb bit some
// toolchains fold into function symbol values is stripped; callers add
// it back when building a call frame.
func (i *Image) loadSymbols(f *elf.File) error {
	symbols, err := f.Symbols()
	if err != nil {
		return fmt.Errorf("firmware: %w", err)
	}
	for _, symbol := range symbols {
		if elf.ST_TYPE(symbol.Info) != elf.STT_FUNC {
			continue
		}
		i.Functions[symbol.Name] = uint32(symbol.Value) &^ 1
	}
	return nil
}
