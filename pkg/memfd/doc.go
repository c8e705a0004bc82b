// Package memfd 创建基于 memfd 的共享内存映射。
// 映射以 MAP_SHARED 方式建立，fork 出的子进程写入的数据对父进程可见；
// 大小在建立后被密封，不能再改变。
//
// 要求 Linux 内核版本 >= 3.17
package memfd
