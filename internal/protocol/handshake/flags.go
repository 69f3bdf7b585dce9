package handshake

import (
	"fmt"
	"strings"
)

// Flags is the capability bitset advertised during the handshake.
type Flags uint64

const (
	FlagPublished          Flags = 0x1
	FlagAtomCache          Flags = 0x2
	FlagExtendedReferences Flags = 0x4
	FlagDistMonitor        Flags = 0x8
	FlagFunTags            Flags = 0x10
	FlagDistMonitorName    Flags = 0x20
	FlagHiddenAtomCache    Flags = 0x40
	FlagNewFunTags         Flags = 0x80
	FlagExtendedPidsPorts  Flags = 0x100
	FlagExportPtrTag       Flags = 0x200
	FlagBitBinaries        Flags = 0x400
	FlagNewFloats          Flags = 0x800
	FlagUnicodeIO          Flags = 0x1000
	FlagDistHdrAtomCache   Flags = 0x2000
	FlagSmallAtomTags      Flags = 0x4000
	FlagUTF8Atoms          Flags = 0x10000
	FlagMapTag             Flags = 0x20000
	FlagBigCreation        Flags = 0x40000
	FlagSendSender         Flags = 0x80000
	FlagBigSeqTraceLabels  Flags = 0x100000
	FlagExitPayload        Flags = 0x400000
	FlagFragments          Flags = 0x800000
	FlagHandshake23        Flags = 0x1000000
	FlagUnlinkID           Flags = 0x2000000
	FlagSpawn              Flags = 1 << 32
	FlagNameMe             Flags = 1 << 33
	FlagV4NC               Flags = 1 << 34
	FlagAlias              Flags = 1 << 35
)

// DefaultFlags is what a hidden node advertises: everything the term codec
// can carry plus the flags current peers require. FlagPublished is absent.
const DefaultFlags = FlagExtendedReferences |
	FlagFunTags |
	FlagNewFunTags |
	FlagExtendedPidsPorts |
	FlagExportPtrTag |
	FlagBitBinaries |
	FlagNewFloats |
	FlagSmallAtomTags |
	FlagUTF8Atoms |
	FlagMapTag |
	FlagBigCreation |
	FlagSendSender |
	FlagHandshake23 |
	FlagUnlinkID |
	FlagV4NC

// Required flags a peer must advertise, per protocol version.
const (
	RequiredFlagsV5 = FlagExtendedReferences | FlagExtendedPidsPorts
	RequiredFlagsV6 = RequiredFlagsV5 | FlagUTF8Atoms | FlagBigCreation
)

func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagPublished, "published"},
	{FlagExtendedReferences, "extended_references"},
	{FlagDistMonitor, "dist_monitor"},
	{FlagExtendedPidsPorts, "extended_pids_ports"},
	{FlagUTF8Atoms, "utf8_atoms"},
	{FlagBigCreation, "big_creation"},
	{FlagHandshake23, "handshake_23"},
}

func (f Flags) String() string {
	parts := make([]string, 0, len(flagNames))
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	return fmt.Sprintf("0x%x[%s]", uint64(f), strings.Join(parts, ","))
}
