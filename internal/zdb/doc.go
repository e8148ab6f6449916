// Package zdb implements the binary dump format and value codec used by the
// storage engine for snapshots and the append-only log.
//
// File format:
//
//	┌─────────────────────────────────────────────────────────────┐
//	│ Header                                                       │
//	│   magic "ZDB\0" (4 bytes)                                    │
//	│   version (2 bytes, big-endian)                              │
//	│   flags (2 bytes, big-endian)                                │
//	├─────────────────────────────────────────────────────────────┤
//	│ Entries                                                      │
//	│   keyLen (varint) | key | value                              │
//	│   ...                                                        │
//	├─────────────────────────────────────────────────────────────┤
//	│ Trailer                                                      │
//	│   magic "END!" (4 bytes)                                     │
//	│   CRC32 (4 bytes, big-endian)                                │
//	└─────────────────────────────────────────────────────────────┘
//
// Every value starts with a one-byte tag followed by a version-dependent
// length encoding: varint for format version 3 and later, fixed 32-bit
// little-endian for older versions.
//
// Two reading paths are provided:
//   - ReadDump loads a whole dump into memory.
//   - Parser is a SAX-style streaming parser that processes dumps of any
//     size in constant memory, driving a Handler with header/entry/end
//     events.
package zdb
