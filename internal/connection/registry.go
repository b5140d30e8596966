package connection

import (
	"errors"
	"sync"

	"sudooom.im.messenger/internal/metrics"
)

var ErrConnectionClosed = errors.New("connection closed")

const roomShardCount = 32

// roomShard 房间索引分片
type roomShard struct {
	mu    sync.RWMutex
	rooms map[int64]map[int64]*Connection // convId -> connId -> Connection
}

// Registry 管理所有连接及其订阅的会话房间
// 房间索引按会话 ID 分片，各分片独立加锁：
// 对一个房间的推送不会被其他房间的订阅变更阻塞，不存在全局锁
type Registry struct {
	mu          sync.RWMutex
	connections map[int64]*Connection
	userConns   map[int64]map[int64]*Connection // userID -> connID -> Connection

	shards [roomShardCount]*roomShard
}

func NewRegistry() *Registry {
	r := &Registry{
		connections: make(map[int64]*Connection),
		userConns:   make(map[int64]map[int64]*Connection),
	}
	for i := range r.shards {
		r.shards[i] = &roomShard{rooms: make(map[int64]map[int64]*Connection)}
	}
	return r
}

func (r *Registry) shardFor(convId int64) *roomShard {
	return r.shards[uint64(convId)%roomShardCount]
}

func (r *Registry) Add(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.ID()] = conn
	metrics.ActiveConnections.Set(float64(len(r.connections)))
}

// Remove 摘除连接并清空其全部房间订阅
func (r *Registry) Remove(connID int64) {
	r.mu.Lock()
	conn, ok := r.connections[connID]
	if !ok {
		r.mu.Unlock()
		return
	}

	delete(r.connections, connID)
	metrics.ActiveConnections.Set(float64(len(r.connections)))

	if conn.UserID() > 0 {
		if userConns, ok := r.userConns[conn.UserID()]; ok {
			delete(userConns, connID)
			if len(userConns) == 0 {
				delete(r.userConns, conn.UserID())
			}
		}
	}
	r.mu.Unlock()

	r.leaveRooms(conn, conn.swapRooms(nil))
}

func (r *Registry) Get(connID int64) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connections[connID]
}

func (r *Registry) BindUser(connID, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[connID]
	if !ok {
		return
	}

	if _, ok := r.userConns[userID]; !ok {
		r.userConns[userID] = make(map[int64]*Connection)
	}
	r.userConns[userID][connID] = conn
}

func (r *Registry) GetByUserID(userID int64) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userConns, ok := r.userConns[userID]
	if !ok {
		return nil
	}

	conns := make([]*Connection, 0, len(userConns))
	for _, conn := range userConns {
		conns = append(conns, conn)
	}
	return conns
}

// JoinRooms 替换语义的房间订阅：
// 先退出连接当前订阅的全部房间，再加入给定集合
func (r *Registry) JoinRooms(connID int64, roomIds []int64) {
	r.mu.RLock()
	conn, ok := r.connections[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	next := make([]int64, len(roomIds))
	copy(next, roomIds)
	old := conn.swapRooms(next)

	r.leaveRooms(conn, old)
	for _, roomId := range next {
		shard := r.shardFor(roomId)
		shard.mu.Lock()
		room, ok := shard.rooms[roomId]
		if !ok {
			room = make(map[int64]*Connection)
			shard.rooms[roomId] = room
		}
		room[conn.ID()] = conn
		shard.mu.Unlock()
	}
}

func (r *Registry) leaveRooms(conn *Connection, roomIds []int64) {
	for _, roomId := range roomIds {
		shard := r.shardFor(roomId)
		shard.mu.Lock()
		if room, ok := shard.rooms[roomId]; ok {
			delete(room, conn.ID())
			if len(room) == 0 {
				delete(shard.rooms, roomId)
			}
		}
		shard.mu.Unlock()
	}
}

// EmitRoom 把数据推给订阅该房间的所有本地连接
// 不做任何权限判断，订阅入口已经校验过
func (r *Registry) EmitRoom(roomId int64, data []byte) int {
	shard := r.shardFor(roomId)
	shard.mu.RLock()
	room := shard.rooms[roomId]
	conns := make([]*Connection, 0, len(room))
	for _, conn := range room {
		conns = append(conns, conn)
	}
	shard.mu.RUnlock()

	sent := 0
	for _, conn := range conns {
		if err := conn.Send(data); err == nil {
			sent++
		}
	}
	return sent
}

// CountByRoom 房间内的本地连接数
func (r *Registry) CountByRoom(roomId int64) int {
	shard := r.shardFor(roomId)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return len(shard.rooms[roomId])
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// GetAllConnections 返回所有连接（用于心跳检测）
func (r *Registry) GetAllConnections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	return conns
}
