package afl

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// wordSize 是协议中每个控制字的字节数
const wordSize = 4

// maxBlobRetries 限制 WriteBlob 在 EINTR/EAGAIN 上的重试次数
const maxBlobRetries = 64

// Channel 是 forkserver 与 supervisor 之间的一对管道
// 直接使用原始文件描述符，每个控制字只调用一次 read/write，
// 这样短读写可以被检测出来而不是被 os.File 的循环掩盖
type Channel struct {
	rfd int
	wfd int
}

// NewChannel 使用给定的读端和写端创建 Channel
func NewChannel(rfd, wfd int) *Channel {
	return &Channel{rfd: rfd, wfd: wfd}
}

// DefaultChannel 返回 AFL++ 约定的 198/199 管道
func DefaultChannel() *Channel {
	return NewChannel(ForkserverFD, ForkserverFD+1)
}

// ReadFD 返回读端描述符
func (c *Channel) ReadFD() int {
	return c.rfd
}

// WriteFD 返回写端描述符
func (c *Channel) WriteFD() int {
	return c.wfd
}

// WriteWord 一次性写入 4 字节控制字
// 写入不足 4 字节视为协议错误，不做重试
func (c *Channel) WriteWord(v uint32) error {
	var buf [wordSize]byte
	binary.NativeEndian.PutUint32(buf[:], v)
	n, err := unix.Write(c.wfd, buf[:])
	if err != nil {
		return Wrap(KindSystem, "write_word", err)
	}
	if n != wordSize {
		return Errorf(KindProtocol, "write_word", "expected %d bytes, wrote %d bytes", wordSize, n)
	}
	return nil
}

// ReadWord 一次性读取 4 字节控制字
// 被信号中断时重试，读到 EOF 或不足 4 字节视为协议错误
func (c *Channel) ReadWord() (uint32, error) {
	var buf [wordSize]byte
	var (
		n   int
		err error
	)
	for {
		n, err = unix.Read(c.rfd, buf[:])
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return 0, Wrap(KindSystem, "read_word", err)
	}
	if n != wordSize {
		return 0, Errorf(KindProtocol, "read_word", "expected %d bytes, got %d bytes", wordSize, n)
	}
	return binary.NativeEndian.Uint32(buf[:]), nil
}

// WriteBlob 循环写入，直到所有字节都写出
// 与 WriteWord 不同，变长数据允许被拆成多次 write
// 一次没有任何进展的 write 视为协议错误，避免在满的管道上无限循环
func (c *Channel) WriteBlob(b []byte) error {
	retries := 0
	for len(b) > 0 {
		n, err := unix.Write(c.wfd, b)
		switch {
		case err == unix.EINTR || err == unix.EAGAIN:
			retries++
			if retries > maxBlobRetries {
				return Wrap(KindProtocol, "write_blob", err)
			}
			continue
		case err != nil:
			return Wrap(KindSystem, "write_blob", err)
		case n <= 0:
			return Errorf(KindProtocol, "write_blob", "write made no progress, %d bytes left", len(b))
		}
		b = b[n:]
	}
	return nil
}

// ReportError 向 supervisor 发送错误报告字
func (c *Channel) ReportError(code int) error {
	word, err := EncodeError(code)
	if err != nil {
		return err
	}
	return c.WriteWord(word)
}

// Close 关闭两个描述符
// 子进程在得到控制权之前调用，父进程在整个循环期间保持打开
func (c *Channel) Close() error {
	err1 := unix.Close(c.rfd)
	err2 := unix.Close(c.wfd)
	if err1 != nil {
		return Wrap(KindSystem, "close", err1)
	}
	if err2 != nil {
		return Wrap(KindSystem, "close", err2)
	}
	return nil
}

// EncodeError 把错误码打包到选项字的 bits 8-23 并设置错误位
// 0 被保留，超过 0xFFFF 的值无法表示
func EncodeError(code int) (uint32, error) {
	if code <= 0 || code > maxErrorCode {
		return 0, Errorf(KindIllegalArgument, "encode_error", "illegal error code %d sent to forkserver", code)
	}
	return OptError | uint32(code&maxErrorCode)<<8, nil
}

// DecodeError 是 EncodeError 的逆操作
// 如果 word 没有设置错误位，ok 为 false
func DecodeError(word uint32) (code int, ok bool) {
	if word&OptError != OptError {
		return 0, false
	}
	code = int(word>>8) & maxErrorCode
	return code, code != 0
}
