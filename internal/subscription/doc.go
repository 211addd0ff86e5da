// Package subscription maps sessions to the connections listening to them.
//
// The Table keeps a forward index (session to connections) and a reverse
// index (connection to sessions) under one lock. Only active sessions accept
// new subscribers; once a session ends its subscriber set is frozen and the
// dispatcher owns delivery of the terminal envelope to anyone who joins late.
//
// Lock order is table then registry: Subscribe consults the registry while
// holding the table lock, and the registry never calls into the table while
// holding its own.
package subscription
