// Package wire implements the binary protocol spoken between the RingORAM
// client and the bucket storage server.
//
// Every request is a 16-byte header {type, request_id, data_len, reserved}
// followed by data_len bytes; every response is a 16-byte header
// {type=100, request_id, result, data_len} followed by data_len bytes. All
// integers are little-endian and fixed width. There is no version field:
// both ends must agree on the layout byte for byte.
//
// Bucket layout:
//
//	{Z:i32, S:i32, count:i32, num_blocks:i32}
//	num_blocks x {leaf_id:i32, block_index:i32, data_size:i32, data[data_size]}
//	(Z+S) x ptrs:i32
//	(Z+S) x valids:i32
package wire
