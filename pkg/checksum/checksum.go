/*
 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

     https://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

// Package checksum implements the 16-bit cumulative checksum used by the
// STMux wire format. It is CRC-16 with polynomial 0x1021 and no final xor,
// so a checksum can be chained across successive writes by passing the
// previous value as the seed of the next call.
package checksum

// Poly is the CRC-16 generator polynomial (x^16 + x^12 + x^5 + 1).
const Poly = 0x1021

var crcTable [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ Poly
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

// Sum returns the checksum of p with the register initialized to seed.
// Sum(append(a, b...), 0) == Sum(b, Sum(a, 0)).
func Sum(p []byte, seed uint16) uint16 {
	crc := seed
	for _, b := range p {
		crc = (crc << 8) ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}
