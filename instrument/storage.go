package instrument

import (
	"context"

	"github.com/denisbohm/fireflyfixture/wire"
)

const (
	storageAPIReset       = 0
	storageAPIErase       = 1
	storageAPIWrite       = 2
	storageAPIRead        = 3
	storageAPIHash        = 4
	storageAPIFileMkfs    = 5
	storageAPIFileList    = 6
	storageAPIFileOpen    = 7
	storageAPIFileUnlink  = 8
	storageAPIFileAddress = 9
	storageAPIFileExpand  = 10
	storageAPIFileWrite   = 11
	storageAPIFileRead    = 12
)

// File open mode flags, matching the FatFs constants the firmware's file
// table was built against.
const (
	FileReadOnly     = 0x01
	FileWriteOnly    = 0x02
	FileOpenExisting = 0x00
	FileCreateNew    = 0x04
	FileCreateAlways = 0x08
	FileOpenAlways   = 0x10
	FileOpenAppend   = 0x30
)

// hashLength is the digest length returned by the hash api: a SHA-1 sum.
const hashLength = 20

// FileInfo describes one directory entry as reported by FileList.
type FileInfo struct {
	Name string
	Size uint32
	Date uint32
	Time uint32
}

// Storage exposes the fixture's onboard flash: raw erase/write/read/hash
// over an address range, and a small file table layered on top of it.
type Storage struct {
	base
}

// Category identifies this facade's discovery category.
func (s *Storage) Category() string { return "Storage" }

// Reset returns the instrument to its power-on state.
func (s *Storage) Reset(ctx context.Context) error {
	return s.invoke(ctx, storageAPIReset, nil)
}

// Erase erases length bytes starting at address to the flash's blank
// state.
func (s *Storage) Erase(ctx context.Context, address, length uint64) error {
	args := wire.NewBufferWithLimit(0)
	args.PutVaruint(address)
	args.PutVaruint(length)
	return s.invoke(ctx, storageAPIErase, args.Bytes())
}

// Write programs data starting at address, chunked to maxTransferLength
// bytes per instrument message, with a bus echo flush after every chunk
// so writes do not outrun the firmware's flash programming loop.
func (s *Storage) Write(ctx context.Context, address uint64, data []byte) error {
	offset := 0
	for offset < len(data) {
		length := len(data) - offset
		if length > maxTransferLength {
			length = maxTransferLength
		}
		args := wire.NewBufferWithLimit(0)
		args.PutVaruint(address + uint64(offset))
		args.PutVaruint(uint64(length))
		args.PutBytes(data[offset : offset+length])
		if err := s.invoke(ctx, storageAPIWrite, args.Bytes()); err != nil {
			return err
		}
		if err := s.base.bus.Echo(ctx, []byte{0xbe, 0xef}); err != nil {
			return err
		}
		offset += length
	}
	return nil
}

// Read reads length bytes starting at address, chunked to
// maxTransferLength bytes per instrument call. sublength/substride let the
// firmware stride through the address space reading fewer bytes than
// length per chunk (used to sample a repeating record layout); 0 for
// either means "read every byte contiguously".
func (s *Storage) Read(ctx context.Context, address uint64, length int, sublength, substride uint64) ([]byte, error) {
	if sublength == 0 {
		sublength = uint64(length)
	}
	data := make([]byte, length)
	offset := 0
	for offset < length {
		transferAddress := address + uint64(offset)
		transferLength := length - offset
		if transferLength > maxTransferLength {
			transferLength = maxTransferLength
		}
		transferSublength := sublength
		if transferSublength > uint64(transferLength) {
			transferSublength = uint64(transferLength)
		}
		args := wire.NewBufferWithLimit(0)
		args.PutVaruint(transferAddress)
		args.PutVaruint(uint64(transferLength))
		args.PutVaruint(transferSublength)
		args.PutVaruint(substride)
		reply, err := s.call(ctx, storageAPIRead, args.Bytes())
		if err != nil {
			return nil, err
		}
		sub := wire.NewBuffer(reply).GetBytes(transferLength)
		copy(data[offset:offset+transferLength], sub)
		offset += transferLength
	}
	return data, nil
}

// Hash returns the SHA-1 digest of length bytes of flash starting at
// address, computed on-device so large ranges never cross the USB link.
func (s *Storage) Hash(ctx context.Context, address, length uint64) ([20]byte, error) {
	var digest [20]byte
	args := wire.NewBufferWithLimit(0)
	args.PutVaruint(address)
	args.PutVaruint(length)
	reply, err := s.call(ctx, storageAPIHash, args.Bytes())
	if err != nil {
		return digest, err
	}
	copy(digest[:], wire.NewBuffer(reply).GetBytes(hashLength))
	return digest, nil
}

// FileMkfs reformats the file table, destroying every file.
func (s *Storage) FileMkfs(ctx context.Context) (bool, error) {
	reply, err := s.call(ctx, storageAPIFileMkfs, nil)
	if err != nil {
		return false, err
	}
	return wire.NewBuffer(reply).GetUint8() != 0, nil
}

// FileList enumerates every file in the table.
func (s *Storage) FileList(ctx context.Context) ([]FileInfo, error) {
	reply, err := s.call(ctx, storageAPIFileList, nil)
	if err != nil {
		return nil, err
	}
	b := wire.NewBuffer(reply)
	count := b.GetVaruint()
	list := make([]FileInfo, 0, count)
	for i := uint64(0); i < count; i++ {
		list = append(list, FileInfo{
			Name: b.GetString(),
			Size: b.GetUint32(),
			Date: b.GetUint32(),
			Time: b.GetUint32(),
		})
	}
	return list, nil
}

// FileOpen opens (and if mode requests it, creates) a named file.
func (s *Storage) FileOpen(ctx context.Context, name string, mode uint64) (bool, error) {
	args := wire.NewBufferWithLimit(0)
	args.PutString(name)
	args.PutVaruint(mode)
	reply, err := s.call(ctx, storageAPIFileOpen, args.Bytes())
	if err != nil {
		return false, err
	}
	return wire.NewBuffer(reply).GetUint8() != 0, nil
}

// FileUnlink removes a named file.
func (s *Storage) FileUnlink(ctx context.Context, name string) (bool, error) {
	args := wire.NewBufferWithLimit(0)
	args.PutString(name)
	reply, err := s.call(ctx, storageAPIFileUnlink, args.Bytes())
	if err != nil {
		return false, err
	}
	return wire.NewBuffer(reply).GetUint8() != 0, nil
}

// FileAddress returns the flash base address backing a named file.
func (s *Storage) FileAddress(ctx context.Context, name string) (bool, uint32, error) {
	args := wire.NewBufferWithLimit(0)
	args.PutString(name)
	reply, err := s.call(ctx, storageAPIFileAddress, args.Bytes())
	if err != nil {
		return false, 0, err
	}
	b := wire.NewBuffer(reply)
	ok := b.GetUint8() != 0
	address := b.GetUint32()
	return ok, address, nil
}

// FileExpand grows (or creates) a named file to size bytes.
func (s *Storage) FileExpand(ctx context.Context, name string, size uint32) (bool, error) {
	args := wire.NewBufferWithLimit(0)
	args.PutString(name)
	args.PutUint32(size)
	reply, err := s.call(ctx, storageAPIFileExpand, args.Bytes())
	if err != nil {
		return false, err
	}
	return wire.NewBuffer(reply).GetUint8() != 0, nil
}

func (s *Storage) fileWriteRaw(ctx context.Context, name string, offset uint32, data []byte) (bool, error) {
	args := wire.NewBufferWithLimit(0)
	args.PutString(name)
	args.PutUint32(offset)
	args.PutUint32(uint32(len(data)))
	args.PutBytes(data)
	reply, err := s.call(ctx, storageAPIFileWrite, args.Bytes())
	if err != nil {
		return false, err
	}
	return wire.NewBuffer(reply).GetUint8() != 0, nil
}

// FileWrite writes data into a named file at offset, chunked to
// maxTransferLength bytes per instrument call.
func (s *Storage) FileWrite(ctx context.Context, name string, offset uint32, data []byte) error {
	remaining := len(data)
	suboffset := offset
	pos := 0
	for remaining > 0 {
		count := remaining
		if count > maxTransferLength {
			count = maxTransferLength
		}
		if _, err := s.fileWriteRaw(ctx, name, suboffset, data[pos:pos+count]); err != nil {
			return err
		}
		suboffset += uint32(count)
		pos += count
		remaining -= count
	}
	return nil
}

func (s *Storage) fileReadRaw(ctx context.Context, name string, offset, size uint32) ([]byte, error) {
	args := wire.NewBufferWithLimit(0)
	args.PutString(name)
	args.PutUint32(offset)
	args.PutUint32(size)
	reply, err := s.call(ctx, storageAPIFileRead, args.Bytes())
	if err != nil {
		return nil, err
	}
	b := wire.NewBuffer(reply)
	ok := b.GetUint8() != 0
	if !ok {
		return nil, nil
	}
	actualSize := b.GetUint32()
	return b.GetBytes(int(actualSize)), nil
}

// FileRead reads size bytes from a named file at offset, chunked to
// maxTransferLength bytes per instrument call.
func (s *Storage) FileRead(ctx context.Context, name string, offset, size uint32) ([]byte, error) {
	var data []byte
	remaining := size
	suboffset := offset
	for remaining > 0 {
		count := remaining
		if count > maxTransferLength {
			count = maxTransferLength
		}
		chunk, err := s.fileReadRaw(ctx, name, suboffset, count)
		if err != nil {
			return nil, err
		}
		data = append(data, chunk...)
		suboffset += count
		remaining -= count
	}
	return data, nil
}
