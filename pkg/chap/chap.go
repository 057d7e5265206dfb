// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package chap implements the piece of CHAP the core needs during the
// iSCSI Login security phase: computing the MD5 challenge response over
// the configured secret exactly as the target will.
package chap

import (
	"crypto/md5"
)

// ComputeResponse implements RFC 1994's CHAP response: MD5(identifier ||
// secret || challenge), where secret is the raw password configured for
// the session. Any transformation of that password before hashing would
// produce a CHAP_R the target cannot reproduce, since the target only
// ever sees the configured secret, never a derived one.
func ComputeResponse(identifier byte, secret, challenge []byte) []byte {
	h := md5.New()
	h.Write([]byte{identifier})
	h.Write(secret)
	h.Write(challenge)
	return h.Sum(nil)
}
