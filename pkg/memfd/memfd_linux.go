package memfd

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// 创建 memfd 的标志位组合：exec 时关闭，允许密封
const createFlag = unix.MFD_CLOEXEC | unix.MFD_ALLOW_SEALING

// sizeSeal 固定文件大小并禁止再添加密封
const sizeSeal = unix.F_SEAL_SEAL | unix.F_SEAL_SHRINK | unix.F_SEAL_GROW

// New 创建一个新的 memfd，name 仅用于调试
// 调用者需要负责关闭返回的文件
func New(name string) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, createFlag)
	if err != nil {
		return nil, fmt.Errorf("memfd: memfd_create failed %v", err)
	}
	file := os.NewFile(uintptr(fd), name)
	if file == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memfd: NewFile failed for %v", name)
	}
	return file, nil
}

// Map 创建 size 字节的共享映射
// 映射建立后 memfd 被关闭，映射在进程生命周期内有效
func Map(name string, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("memfd: invalid size %d", size)
	}
	file, err := New(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := file.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("memfd: truncate %v", err)
	}
	if _, err := unix.FcntlInt(file.Fd(), unix.F_ADD_SEALS, sizeSeal); err != nil {
		return nil, fmt.Errorf("memfd: seal %v", err)
	}
	m, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("memfd: mmap %v", err)
	}
	return m, nil
}
