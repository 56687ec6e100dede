package chat

type TestConn = testConn

var NewTestConn = newTestConn
