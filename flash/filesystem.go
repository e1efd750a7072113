// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package flash maintains a content-addressed file store on the
// fixture's flash chip: sector-aligned entries led by a magic-tagged
// metadata page, payloads verified by SHA-1 digest, first-fit allocation
// and least-recently-used eviction. Firmware images are cached here so a
// fixture can re-program boards without re-downloading over USB.
package flash

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"

	"github.com/denisbohm/fireflyfixture/wire"
)

// Layout constants of the on-chip store.
const (
	// Size is the portion of the flash chip given to the store.
	Size = 1 << 21
	// SectorSize is the chip's erase unit.
	SectorSize = 1 << 12
	// SectorCount is the number of sectors in the store.
	SectorCount = Size / SectorSize
	// PageSize is the chip's program unit, and the size of the metadata
	// page read during a scan. Flash chips program 256-byte pages; SD
	// cards use 512-byte blocks, and one metadata page must fit either.
	PageSize = 1 << 9
	// HashSize is the length of the SHA-1 content digest.
	HashSize = 20
	// MinimumSectorCount is the smallest allocation, metadata sector
	// included. Raising it trades capacity for less fragmentation.
	MinimumSectorCount = 2
)

// magic marks a metadata sector. The leading 0xf0 byte doubles as the
// one-byte classification marker the fast scan probes for.
var magic = []byte{0xf0, 0x66, 0x69, 0x72, 0x65, 0x66, 0x6c, 0x79}

// markerMetadata is the first byte of magic.
const markerMetadata = 0xf0

// Storage is the slice of the fixture's Storage instrument the store
// drives: raw erase/program/read over a flat address space plus an
// on-device digest so verification never pulls content over USB.
// *instrument.Storage satisfies it.
type Storage interface {
	Erase(ctx context.Context, address, length uint64) error
	Write(ctx context.Context, address uint64, data []byte) error
	Read(ctx context.Context, address uint64, length int, sublength, substride uint64) ([]byte, error)
	Hash(ctx context.Context, address, length uint64) ([HashSize]byte, error)
}

// Entry is one stored file: its name, allocation, content length,
// caller-supplied date used for eviction ordering, SHA-1 digest, and the
// flash address of the first content byte.
type Entry struct {
	Name        string
	SectorCount int
	Length      int
	Date        uint32
	Digest      [HashSize]byte
	Address     uint64
}

// Sector classification.
type Status int

const (
	// Available means the sector holds no live data.
	Available Status = iota
	// Metadata means the sector opens an entry with a metadata page.
	Metadata
	// Content means the sector holds entry payload bytes.
	Content
)

// Sector is the in-memory classification of one erase unit.
type Sector struct {
	Address uint64
	Status  Status
	// Entry is set for Metadata sectors only.
	Entry *Entry
}

// Error is a structured store failure.
type Error struct {
	Kind ErrorKind
	Name string
}

// ErrorKind enumerates the store's failure classes.
type ErrorKind int

const (
	// NotFound means no entry has the requested name.
	NotFound ErrorKind = iota
	// NotEnoughSpace means no run of available sectors can hold the
	// entry even after evicting everything evictable.
	NotEnoughSpace
	// CorruptWrite means a freshly written entry's on-device digest did
	// not match the data sent.
	CorruptWrite
)

func (e *Error) Error() string {
	switch e.Kind {
	case NotFound:
		return fmt.Sprintf("flash: entry not found: %s", e.Name)
	case NotEnoughSpace:
		return fmt.Sprintf("flash: not enough space: %s", e.Name)
	default:
		return fmt.Sprintf("flash: corrupt write: %s", e.Name)
	}
}

func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind && other.Name == ""
}

// Sentinel values for errors.Is checks.
var (
	ErrNotFound       = &Error{Kind: NotFound}
	ErrNotEnoughSpace = &Error{Kind: NotEnoughSpace}
	ErrCorruptWrite   = &Error{Kind: CorruptWrite}
)

// Logger receives scan and repair diagnostics. The zero value discards
// them.
type Logger func(format string, args ...interface{})

// FileSystem is the in-memory view of the store: one Sector per erase
// unit, rebuilt by Scan. It is owned by the single goroutine driving the
// fixture; concurrent mutation requires external serialization.
type FileSystem struct {
	storage Storage
	sectors []Sector
	logf    Logger
}

// New returns a store over storage. Call Scan (or Inspect) before any
// other method so the sector map reflects the chip.
func New(storage Storage, logf Logger) *FileSystem {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &FileSystem{storage: storage, logf: logf}
}

// Format erases the whole store and marks every sector available.
func (f *FileSystem) Format(ctx context.Context) error {
	if err := f.storage.Erase(ctx, 0, Size); err != nil {
		return err
	}
	for i := range f.sectors {
		f.sectors[i].Status = Available
		f.sectors[i].Entry = nil
	}
	return nil
}

// Scan rebuilds the sector map from the chip. One strided read pulls the
// first byte of every sector; only sectors bearing the metadata marker
// have their metadata page read and decoded. A marker whose page fails
// to decode is treated as available with a warning rather than an error,
// so one corrupt sector cannot brick the store.
func (f *FileSystem) Scan(ctx context.Context) error {
	markers, err := f.storage.Read(ctx, 0, SectorCount, 1, SectorSize)
	if err != nil {
		return err
	}
	f.sectors = f.sectors[:0]
	for index := 0; index < SectorCount; {
		address := uint64(index) * SectorSize
		if markers[index] == markerMetadata {
			entry, err := f.readMetadata(ctx, address)
			if err != nil {
				return err
			}
			if entry != nil && index+1+entry.SectorCount <= SectorCount {
				f.sectors = append(f.sectors, Sector{Address: address, Status: Metadata, Entry: entry})
				index++
				for i := 0; i < entry.SectorCount; i++ {
					f.sectors = append(f.sectors, Sector{Address: uint64(index) * SectorSize, Status: Content})
					index++
				}
				continue
			}
			f.logf("flash: corruption in sector %d, treating as available", index)
		}
		f.sectors = append(f.sectors, Sector{Address: address, Status: Available})
		index++
	}
	return nil
}

// readMetadata reads and decodes the metadata page opening the sector at
// address, or returns nil if the page does not parse as an entry.
func (f *FileSystem) readMetadata(ctx context.Context, address uint64) (*Entry, error) {
	page, err := f.storage.Read(ctx, address, PageSize, 0, 0)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(page, magic) {
		return nil, nil
	}
	b := wire.NewBuffer(page)
	b.GetBytes(len(magic))
	sectorCount := b.GetUint32()
	length := b.GetUint32()
	date := b.GetUint32()
	var digest [HashSize]byte
	copy(digest[:], b.GetBytes(HashSize))
	name := b.GetString()
	if b.Flags() != 0 || name == "" || sectorCount == 0 {
		return nil, nil
	}
	return &Entry{
		Name:        name,
		SectorCount: int(sectorCount),
		Length:      int(length),
		Date:        date,
		Digest:      digest,
		Address:     address + SectorSize,
	}, nil
}

// Repair verifies every entry's content digest on-device and erases
// entries that no longer match, then erases duplicate-name entries
// keeping the first. It reports whether anything was erased.
func (f *FileSystem) Repair(ctx context.Context) (bool, error) {
	repaired := false
	seen := map[string]*Entry{}
	for i := range f.sectors {
		sector := &f.sectors[i]
		if sector.Status != Metadata {
			continue
		}
		entry := sector.Entry
		digest, err := f.storage.Hash(ctx, sector.Address+SectorSize, uint64(entry.Length))
		if err != nil {
			return repaired, err
		}
		switch {
		case digest != entry.Digest:
			f.logf("flash: repair: erasing entry with incorrect content digest: %s", entry.Name)
			if err := f.eraseSector(ctx, sector); err != nil {
				return repaired, err
			}
			repaired = true
		case seen[entry.Name] != nil:
			f.logf("flash: repair: erasing duplicate entry: %s %#x %#x", entry.Name, entry.Address, seen[entry.Name].Address)
			if err := f.eraseSector(ctx, sector); err != nil {
				return repaired, err
			}
			repaired = true
		default:
			seen[entry.Name] = entry
		}
	}
	return repaired, nil
}

// Inspect is the open-time recovery path: a scan, then a repair pass.
func (f *FileSystem) Inspect(ctx context.Context) error {
	if err := f.Scan(ctx); err != nil {
		return err
	}
	_, err := f.Repair(ctx)
	return err
}

// List returns every live entry in sector order.
func (f *FileSystem) List() []*Entry {
	var entries []*Entry
	for i := range f.sectors {
		if f.sectors[i].Status == Metadata {
			entries = append(entries, f.sectors[i].Entry)
		}
	}
	return entries
}

// Get returns the entry named name, or nil.
func (f *FileSystem) Get(name string) *Entry {
	for i := range f.sectors {
		if f.sectors[i].Status == Metadata && f.sectors[i].Entry.Name == name {
			return f.sectors[i].Entry
		}
	}
	return nil
}

// Read returns the content of the entry named name.
func (f *FileSystem) Read(ctx context.Context, name string) ([]byte, error) {
	entry := f.Get(name)
	if entry == nil {
		return nil, &Error{Kind: NotFound, Name: name}
	}
	return f.storage.Read(ctx, entry.Address, entry.Length, 0, 0)
}

// eraseSector erases the allocation opening at sector: the whole run for
// a metadata sector, one erase unit otherwise, and reclassifies the
// covered sectors as available.
func (f *FileSystem) eraseSector(ctx context.Context, sector *Sector) error {
	sectorCount := 1
	if sector.Status == Metadata {
		sectorCount = 1 + sector.Entry.SectorCount
	}
	if err := f.storage.Erase(ctx, sector.Address, uint64(sectorCount)*SectorSize); err != nil {
		return err
	}
	first := int(sector.Address / SectorSize)
	for i := first; i < first+sectorCount && i < len(f.sectors); i++ {
		f.sectors[i].Status = Available
		f.sectors[i].Entry = nil
	}
	return nil
}

// Erase removes the entry named name, if present.
func (f *FileSystem) Erase(ctx context.Context, name string) error {
	for i := range f.sectors {
		if f.sectors[i].Status == Metadata && f.sectors[i].Entry.Name == name {
			if err := f.eraseSector(ctx, &f.sectors[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// write lays an entry down at sector: erase the run, program the
// metadata page, then the content.
func (f *FileSystem) write(ctx context.Context, name string, data []byte, date uint32, sector *Sector, sectorCount int) (*Entry, error) {
	entry := &Entry{
		Name:        name,
		SectorCount: sectorCount - 1,
		Length:      len(data),
		Date:        date,
		Digest:      sha1.Sum(data),
		Address:     sector.Address + SectorSize,
	}
	if err := f.storage.Erase(ctx, sector.Address, uint64(sectorCount)*SectorSize); err != nil {
		return nil, err
	}
	page := wire.NewBufferWithLimit(0)
	page.PutBytes(magic)
	page.PutUint32(uint32(entry.SectorCount))
	page.PutUint32(uint32(entry.Length))
	page.PutUint32(date)
	page.PutBytes(entry.Digest[:])
	page.PutString(name)
	if err := f.storage.Write(ctx, sector.Address, page.Bytes()); err != nil {
		return nil, err
	}
	if err := f.storage.Write(ctx, entry.Address, data); err != nil {
		return nil, err
	}
	first := int(sector.Address / SectorSize)
	f.sectors[first].Status = Metadata
	f.sectors[first].Entry = entry
	for i := first + 1; i < first+sectorCount; i++ {
		f.sectors[i].Status = Content
		f.sectors[i].Entry = nil
	}
	return entry, nil
}

// sectorCountForContentLength returns the content sectors needed for
// length bytes.
func sectorCountForContentLength(length int) int {
	return (length + SectorSize - 1) / SectorSize
}

// checkWrite finds the first run of available sectors that fits and
// writes the entry there, or returns nil if no run fits.
func (f *FileSystem) checkWrite(ctx context.Context, name string, data []byte, date uint32) (*Entry, error) {
	need := 1 + sectorCountForContentLength(len(data))
	if need < MinimumSectorCount {
		need = MinimumSectorCount
	}
	var run *Sector
	runLength := 0
	for i := range f.sectors {
		if f.sectors[i].Status == Available {
			if run == nil {
				run = &f.sectors[i]
				runLength = 1
			} else {
				runLength++
			}
			continue
		}
		if run != nil && runLength >= need {
			return f.write(ctx, name, data, date, run, need)
		}
		run = nil
		runLength = 0
	}
	if run != nil && runLength >= need {
		return f.write(ctx, name, data, date, run, need)
	}
	return nil, nil
}

// leastRecentlyUsed returns the metadata sector with the smallest date,
// or nil if the store holds no entries.
func (f *FileSystem) leastRecentlyUsed() *Sector {
	var oldest *Sector
	for i := range f.sectors {
		if f.sectors[i].Status != Metadata {
			continue
		}
		if oldest == nil || f.sectors[i].Entry.Date < oldest.Entry.Date {
			oldest = &f.sectors[i]
		}
	}
	return oldest
}

// Allocate stores an entry, evicting least-recently-used entries until a
// first-fit run opens up. The entry is fully programmed into flash
// before Allocate returns.
func (f *FileSystem) Allocate(ctx context.Context, name string, data []byte, date uint32) (*Entry, error) {
	for {
		entry, err := f.checkWrite(ctx, name, data, date)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}
		oldest := f.leastRecentlyUsed()
		if oldest == nil {
			return nil, &Error{Kind: NotEnoughSpace, Name: name}
		}
		if err := f.eraseSector(ctx, oldest); err != nil {
			return nil, err
		}
	}
}

// Ensure makes name hold exactly data: if a matching entry already
// exists (same name, same digest) it is returned without touching flash;
// otherwise any stale entry is erased, a fresh one allocated, and its
// on-device digest verified before returning.
func (f *FileSystem) Ensure(ctx context.Context, name string, data []byte, date uint32) (*Entry, error) {
	entry := f.Get(name)
	if entry != nil {
		if sha1.Sum(data) == entry.Digest {
			return entry, nil
		}
		if err := f.Erase(ctx, name); err != nil {
			return nil, err
		}
	}
	entry, err := f.Allocate(ctx, name, data, date)
	if err != nil {
		return nil, err
	}
	verify, err := f.storage.Hash(ctx, entry.Address, uint64(entry.Length))
	if err != nil {
		return nil, err
	}
	if verify != entry.Digest {
		return nil, &Error{Kind: CorruptWrite, Name: name}
	}
	return entry, nil
}
