package api

// pairingHTML is the static entry page served when no valid token is
// presented. It exchanges a pairing code via /api/pair and reloads with the
// returned token.
const pairingHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>MConnect &mdash; Pair</title>
    <style>
        html, body { height: 100%; margin: 0; background: #1a1b26; color: #c0caf5;
            font-family: Menlo, Monaco, "Courier New", monospace; }
        .wrap { display: flex; height: 100%; align-items: center; justify-content: center; }
        .card { text-align: center; }
        input { font: inherit; font-size: 28px; letter-spacing: 8px; width: 240px;
            text-align: center; text-transform: uppercase; background: #15161e;
            color: #c0caf5; border: 1px solid #414868; border-radius: 6px; padding: 10px; }
        button { font: inherit; margin-top: 16px; padding: 10px 32px; background: #7aa2f7;
            color: #1a1b26; border: none; border-radius: 6px; cursor: pointer; }
        #err { color: #f7768e; height: 20px; margin-top: 12px; font-size: 13px; }
    </style>
</head>
<body>
    <div class="wrap"><div class="card">
        <h2>Enter pairing code</h2>
        <input id="code" maxlength="6" autocomplete="off" autofocus>
        <div><button id="go">Connect</button></div>
        <div id="err"></div>
    </div></div>
    <script>
        async function pair() {
            const code = document.getElementById('code').value.trim().toUpperCase();
            if (code.length !== 6) { return; }
            const err = document.getElementById('err');
            err.textContent = '';
            try {
                const resp = await fetch('/api/pair?code=' + encodeURIComponent(code));
                const body = await resp.json();
                if (!resp.ok) {
                    err.textContent = body.error || 'Pairing failed';
                    return;
                }
                window.location = '/?token=' + encodeURIComponent(body.token);
            } catch (e) {
                err.textContent = 'Connection failed';
            }
        }
        document.getElementById('go').addEventListener('click', pair);
        document.getElementById('code').addEventListener('keydown', function(e) {
            if (e.key === 'Enter') { pair(); }
        });
    </script>
</body>
</html>`

// terminalHTML is a minimal viewer page. The full mobile/desktop UI lives
// outside the daemon; this page is enough to watch and drive a session over
// protocol v2 from a plain browser.
const terminalHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>MConnect</title>
    <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/@xterm/xterm@5.5.0/css/xterm.css">
    <style>
        html, body { height: 100%; width: 100%; margin: 0; overflow: hidden; background: #1a1b26; }
        #terminal { height: 100%; width: 100%; }
        .xterm { height: 100%; padding: 8px; }
    </style>
</head>
<body>
    <div id="terminal"></div>
    <script src="https://cdn.jsdelivr.net/npm/@xterm/xterm@5.5.0/lib/xterm.min.js"></script>
    <script src="https://cdn.jsdelivr.net/npm/@xterm/addon-fit@0.10.0/lib/addon-fit.min.js"></script>
    <script>
        const term = new Terminal({ cursorBlink: true, fontSize: 14 });
        const fitAddon = new FitAddon.FitAddon();
        term.loadAddon(fitAddon);
        term.open(document.getElementById('terminal'));
        fitAddon.fit();

        const params = new URLSearchParams(window.location.search);
        const proto = window.location.protocol === 'https:' ? 'wss:' : 'ws:';
        const ws = new WebSocket(proto + '//' + window.location.host +
            '/ws?v=2.0&clientType=mobile&token=' + encodeURIComponent(params.get('token')));

        let sessionId = null;
        ws.onmessage = function(event) {
            const msg = JSON.parse(event.data);
            switch (msg.type) {
            case 'auth_success':
                break;
            case 'session_list':
                if (msg.sessions && msg.sessions.length > 0) {
                    sessionId = msg.sessions[0].id;
                    ws.send(JSON.stringify({ type: 'session_attach', sessionId: sessionId }));
                }
                break;
            case 'scrollback_response':
                msg.lines.forEach(function(line) { term.writeln(line); });
                break;
            case 'terminal_output':
                term.write(msg.data);
                break;
            case 'heartbeat':
                ws.send(JSON.stringify({ type: 'heartbeat_ack', timestamp: msg.timestamp }));
                break;
            case 'input_rejected':
                term.write('\r\n\x1b[33m[input rejected: ' + msg.reason + ']\x1b[0m\r\n');
                break;
            }
        };
        term.onData(function(data) {
            if (ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ type: 'terminal_input', data: data }));
            }
        });
        window.addEventListener('resize', function() {
            fitAddon.fit();
            if (ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ type: 'resize', cols: term.cols, rows: term.rows }));
            }
        });
    </script>
</body>
</html>`
