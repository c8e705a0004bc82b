package afl

// maxTokenLen 是自动字典中单个 token 的最大长度（长度字段只有一个字节）
const maxTokenLen = 0xFF

// EncodeTokens 把 token 列表编码成自动字典格式
// 每个 token 前面是一个字节的长度
func EncodeTokens(tokens [][]byte) ([]byte, error) {
	size := 0
	for i, t := range tokens {
		if len(t) == 0 || len(t) > maxTokenLen {
			return nil, Errorf(KindIllegalArgument, "encode_tokens", "token %d has invalid length %d", i, len(t))
		}
		size += 1 + len(t)
	}
	blob := make([]byte, 0, size)
	for _, t := range tokens {
		blob = append(blob, byte(len(t)))
		blob = append(blob, t...)
	}
	return blob, nil
}
