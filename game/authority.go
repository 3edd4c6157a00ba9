package game

// Accept 纯函数的写权限校验：
// 实体不存在（首次写入即认领）、写入方是当前 manager、或写入方是会话 host 时接受
func Accept(current *EntityConfig, from, host string) bool {
	if current == nil {
		return true
	}
	if from == current.Manager {
		return true
	}
	return host != "" && from == host
}

// ShouldApplyRemote 客户端规则：本地管理的实体永不被网络覆盖，他人管理的实体总是覆盖
func ShouldApplyRemote(remote EntityConfig, self string) bool {
	return remote.Manager != self
}

// SelectHost host 选择：创建者在线则为创建者，否则为序号最小的在线玩家，都不在线时为 server
// order 为按加入顺序排列的玩家 id，online 判断是否在线
func SelectHost(creator string, order []string, online func(string) bool) string {
	if creator != "" && online(creator) {
		return creator
	}
	for _, id := range order {
		if online(id) {
			return id
		}
	}
	return ServerManager
}
