package metadata

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Classic 1.44MB floppy geometry. Cloud-init only needs a few KB, and every
// firmware and kernel knows how to read this layout.
const (
	bytesPerSector    = 512
	sectorsPerCluster = 1
	reservedSectors   = 1
	numFATs           = 2
	rootEntryCount    = 224
	totalSectors      = 2880
	sectorsPerFAT     = 9
	mediaDescriptor   = 0xF0

	dirEntrySize = 32
	firstCluster = 2

	attrArchive   = 0x20
	attrVolumeID  = 0x08
	attrLongName  = 0x0F
	lastLongEntry = 0x40
)

var rootDirSectors = rootEntryCount * dirEntrySize / bytesPerSector

// CreateFAT12 streams a FAT12 filesystem image containing the given files in
// its root directory to w. Long names are stored as VFAT entries so guests
// see the exact file names (cloud-init requires "meta-data" verbatim).
func CreateFAT12(w io.Writer, label string, files map[string][]byte) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	// Assign clusters sequentially.
	type fileLayout struct {
		name         string
		shortName    [11]byte
		startCluster int
		clusters     int
	}
	layouts := make([]fileLayout, 0, len(names))
	next := firstCluster
	for i, name := range names {
		n := clusterCount(len(files[name]))
		layouts = append(layouts, fileLayout{
			name:         name,
			shortName:    shortName(name, i+1),
			startCluster: next,
			clusters:     n,
		})
		next += n
	}
	dataClusters := totalSectors - reservedSectors - numFATs*sectorsPerFAT - rootDirSectors
	if next-firstCluster > dataClusters {
		return fmt.Errorf("files too large for FAT12 image (%d clusters)", next-firstCluster)
	}

	// FAT with the reserved entries and each file's chain.
	fat := make([]byte, sectorsPerFAT*bytesPerSector)
	putFAT12(fat, 0, 0xF00|mediaDescriptor)
	putFAT12(fat, 1, 0xFFF)
	for _, l := range layouts {
		for c := range l.clusters {
			cur := l.startCluster + c
			if c == l.clusters-1 {
				putFAT12(fat, cur, 0xFFF) // end of chain
			} else {
				putFAT12(fat, cur, uint16(cur+1)) //nolint:gosec
			}
		}
	}

	// Root directory: volume label first, then LFN + short entry per file.
	root := make([]byte, rootDirSectors*bytesPerSector)
	off := 0
	copy(root[off:], padName(label))
	root[off+11] = attrVolumeID
	off += dirEntrySize

	for _, l := range layouts {
		lfn := longNameEntries(l.name, l.shortName)
		if off+len(lfn)+dirEntrySize > len(root) {
			return fmt.Errorf("root directory full")
		}
		copy(root[off:], lfn)
		off += len(lfn)

		copy(root[off:], l.shortName[:])
		root[off+11] = attrArchive
		binary.LittleEndian.PutUint16(root[off+26:], uint16(l.startCluster)) //nolint:gosec
		binary.LittleEndian.PutUint32(root[off+28:], uint32(len(files[l.name])))
		off += dirEntrySize
	}

	// Stream the image: boot sector, FATs, root dir, data region.
	if _, err := w.Write(bootSector(label)); err != nil {
		return err
	}
	for range numFATs {
		if _, err := w.Write(fat); err != nil {
			return err
		}
	}
	if _, err := w.Write(root); err != nil {
		return err
	}
	written := 0
	for _, l := range layouts {
		data := files[l.name]
		if _, err := w.Write(data); err != nil {
			return err
		}
		pad := l.clusters*sectorsPerCluster*bytesPerSector - len(data)
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return err
		}
		written += l.clusters
	}
	// Zero-fill the remaining data region so the image has its full size.
	remaining := (dataClusters - written) * sectorsPerCluster * bytesPerSector
	_, err := io.CopyN(w, zeroReader{}, int64(remaining))
	return err
}

func bootSector(label string) []byte {
	bs := make([]byte, bytesPerSector)
	copy(bs, []byte{0xEB, 0x3C, 0x90})
	copy(bs[3:], "MSDOS5.0")
	binary.LittleEndian.PutUint16(bs[11:], bytesPerSector)
	bs[13] = sectorsPerCluster
	binary.LittleEndian.PutUint16(bs[14:], reservedSectors)
	bs[16] = numFATs
	binary.LittleEndian.PutUint16(bs[17:], rootEntryCount)
	binary.LittleEndian.PutUint16(bs[19:], totalSectors)
	bs[21] = mediaDescriptor
	binary.LittleEndian.PutUint16(bs[22:], sectorsPerFAT)
	binary.LittleEndian.PutUint16(bs[24:], 18) // sectors per track
	binary.LittleEndian.PutUint16(bs[26:], 2)  // heads
	bs[38] = 0x29                              // extended boot signature
	binary.LittleEndian.PutUint32(bs[39:], 0x0C1DA7A0)
	copy(bs[43:], padName(label))
	copy(bs[54:], "FAT12   ")
	bs[510] = 0x55
	bs[511] = 0xAA
	return bs
}

// putFAT12 writes a 12-bit FAT entry.
func putFAT12(fat []byte, cluster int, val uint16) {
	o := cluster * 3 / 2
	if cluster%2 == 0 {
		fat[o] = byte(val)
		fat[o+1] = (fat[o+1] & 0xF0) | byte(val>>8)
	} else {
		fat[o] = (fat[o] & 0x0F) | byte(val&0xF)<<4
		fat[o+1] = byte(val >> 4)
	}
}

func clusterCount(size int) int {
	n := (size + sectorsPerCluster*bytesPerSector - 1) / (sectorsPerCluster * bytesPerSector)
	if n == 0 {
		n = 1 // even an empty file owns one cluster
	}
	return n
}

// shortName builds the 8.3 alias stored alongside the long name, e.g.
// "meta-data" → "METADA~1". idx keeps aliases unique.
func shortName(name string, idx int) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}

	base := name
	ext := ""
	if dot := strings.LastIndexByte(name, '.'); dot > 0 {
		base, ext = name[:dot], name[dot+1:]
	}
	clean := func(s string) string {
		var b strings.Builder
		for _, r := range strings.ToUpper(s) {
			if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		return b.String()
	}
	base = clean(base)
	ext = clean(ext)

	tail := fmt.Sprintf("~%d", idx)
	if len(base) > 8-len(tail) {
		base = base[:8-len(tail)]
	}
	copy(out[:], base+tail)
	if len(ext) > 3 {
		ext = ext[:3]
	}
	copy(out[8:], ext)
	return out
}

// longNameEntries builds the VFAT long-name directory entries for name, in
// the on-disk order (last logical piece first).
func longNameEntries(name string, short [11]byte) []byte {
	sum := lfnChecksum(short)

	// UTF-16 code units, 0x0000-terminated, 0xFFFF-padded to a multiple of 13.
	units := make([]uint16, 0, len(name)+1)
	for _, r := range name {
		units = append(units, uint16(r)) //nolint:gosec // seed file names are ASCII
	}
	units = append(units, 0)
	for len(units)%13 != 0 {
		units = append(units, 0xFFFF)
	}

	pieces := len(units) / 13
	out := make([]byte, pieces*dirEntrySize)
	for p := range pieces {
		// Physical order is reversed: the highest piece comes first.
		entry := out[(pieces-1-p)*dirEntrySize:]
		seq := byte(p + 1)
		if p == pieces-1 {
			seq |= lastLongEntry
		}
		entry[0] = seq
		entry[11] = attrLongName
		entry[13] = sum

		chunk := units[p*13 : (p+1)*13]
		for i, u := range chunk[:5] {
			binary.LittleEndian.PutUint16(entry[1+2*i:], u)
		}
		for i, u := range chunk[5:11] {
			binary.LittleEndian.PutUint16(entry[14+2*i:], u)
		}
		for i, u := range chunk[11:13] {
			binary.LittleEndian.PutUint16(entry[28+2*i:], u)
		}
	}
	return out
}

func lfnChecksum(short [11]byte) byte {
	var sum byte
	for _, c := range short {
		sum = (sum&1)<<7 + sum>>1 + c
	}
	return sum
}

func padName(s string) []byte {
	out := []byte(strings.ToUpper(s))
	for len(out) < 11 {
		out = append(out, ' ')
	}
	return out[:11]
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
