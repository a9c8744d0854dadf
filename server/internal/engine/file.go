// SPDX-License-Identifier: ice License 1.0

package engine

import (
	"io"

	"github.com/cockroachdb/errors"
)

func (c *conn) continueFileTransfer() error {
	for range maxChunksPerService {
		if c.SendPipeChoked() {
			break
		}
		n, err := c.file.Read(c.ctx.chunk)
		if n > 0 {
			if sErr := c.send(c.ctx.chunk[:n]); sErr != nil {
				return errors.Wrapf(sErr, "failed to stream %v", c.file.Name())
			}
		}
		if errors.Is(err, io.EOF) {
			return c.finishFileTransfer()
		}
		if err != nil {
			return errors.Wrapf(err, "failed to read %v", c.file.Name())
		}
	}
	c.CallbackOnWritable()

	return nil
}

func (c *conn) finishFileTransfer() error {
	if err := c.file.Close(); err != nil {
		c.ctx.logf("WARN", "failed to close %v: %v", c.file.Name(), err)
	}
	c.file = nil
	c.state = stateHTTPResponse

	return c.dispatch(HTTPFileCompletion{})
}
